package analysis

import (
	"strings"

	"github.com/opswatch/opswatch/internal/database"
)

// The deterministic classifier is the final, unconditional fallback of the
// cascade. It is pure and total: every input maps to a severity, a category
// and a root-cause sentence with a fixed confidence per rule branch.

// Fixed confidence constants per rule branch.
const (
	confSeverityHigh   = 0.8
	confSeverityMedium = 0.7
	confSeverityLow    = 0.6

	confRootCauseTimeout   = 0.75
	confRootCauseDatabase  = 0.8
	confRootCauseResource  = 0.7
	confRootCauseAuth      = 0.75
	confRootCauseCascading = 0.5
)

var severityHighKeywords = []string{
	"critical", "outage", "down", "unavailable", "data loss", "crash", "panic",
}

var severityMediumKeywords = []string{
	"timeout", "error", "failed", "failure", "degraded", "refused", "reset",
}

// Category rules are evaluated in order; the first match wins.
var categoryRules = []struct {
	category database.Category
	keywords []string
}{
	{database.CategoryDatabase, []string{"database", "sql", "query", "connection pool", "deadlock"}},
	{database.CategoryAuthentication, []string{"auth", "login", "token", "unauthorized", "forbidden", "credential"}},
	{database.CategoryNetwork, []string{"network", "dns", "timeout", "connection", "unreachable", "refused"}},
	{database.CategoryDeployment, []string{"deploy", "release", "rollback", "version", "migration"}},
	{database.CategoryPerformance, []string{"slow", "latency", "performance", "cpu", "memory", "throughput"}},
}

// Root-cause rules in precedence order: timeout/connection, database,
// resource, authentication, then the cascading-failure default.
var rootCauseRules = []struct {
	keywords   []string
	cause      string
	confidence float64
}{
	{
		keywords:   []string{"timeout", "connection"},
		cause:      "Network connectivity failure: requests to the service are timing out or being dropped before completion.",
		confidence: confRootCauseTimeout,
	},
	{
		keywords:   []string{"database", "sql", "query"},
		cause:      "Database failure: the database subsystem is unreachable or rejecting queries.",
		confidence: confRootCauseDatabase,
	},
	{
		keywords:   []string{"memory", "cpu", "disk", "load", "resource"},
		cause:      "Resource exhaustion: the service is starved of memory, CPU or disk capacity.",
		confidence: confRootCauseResource,
	},
	{
		keywords:   []string{"auth", "unauthorized", "forbidden", "token", "credential"},
		cause:      "Authentication failure: credentials or tokens are being rejected by a dependency.",
		confidence: confRootCauseAuth,
	},
}

const defaultRootCause = "Cascading failure across dependent components; no single dominant signal in the available evidence."

// ClassifySeverity maps free text to a severity with a confidence score
func ClassifySeverity(text string) (database.Severity, float64) {
	lower := strings.ToLower(text)
	if containsAny(lower, severityHighKeywords) {
		return database.SeverityHigh, confSeverityHigh
	}
	if containsAny(lower, severityMediumKeywords) {
		return database.SeverityMedium, confSeverityMedium
	}
	return database.SeverityLow, confSeverityLow
}

// ClassifyCategory maps free text to a category with a confidence score
func ClassifyCategory(text string) (database.Category, float64) {
	lower := strings.ToLower(text)
	for _, rule := range categoryRules {
		if containsAny(lower, rule.keywords) {
			return rule.category, 0.7
		}
	}
	return database.CategoryPerformance, 0.5
}

// ClassifyRootCause maps free text to a templated root-cause sentence.
// The first matching rule wins.
func ClassifyRootCause(text string) (string, float64) {
	lower := strings.ToLower(text)
	for _, rule := range rootCauseRules {
		if containsAny(lower, rule.keywords) {
			return rule.cause, rule.confidence
		}
	}
	return defaultRootCause, confRootCauseCascading
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
