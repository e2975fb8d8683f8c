package analysis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/trend"
)

// Timeouts per classification task.
const (
	ClassifyTimeout  = 15 * time.Second
	NarrativeTimeout = 20 * time.Second
)

// Confidence attached to a backend-produced root-cause narrative.
const backendRootCauseConfidence = 0.85

// Bounds for related-incident discovery.
const (
	relatedOpenLimit     = 3
	relatedResolvedLimit = 2
	relatedResolvedSince = 7 * 24 * time.Hour
)

// StatusSuggestion is the advisory status the analysis proposes. It is never
// written to the incident's operational status.
type StatusSuggestion string

const (
	SuggestionNeedsInvestigation StatusSuggestion = "needs_investigation"
	SuggestionRootCauseLikely    StatusSuggestion = "likely_root_cause_identified"
	SuggestionReadyForResolution StatusSuggestion = "ready_for_resolution"
)

// Result is the advisory output of one analysis run
type Result struct {
	IncidentUUID         string                     `json:"incident_uuid"`
	Severity             database.Severity          `json:"severity"`
	Category             database.Category          `json:"category"`
	RootCause            string                     `json:"root_cause"`
	RootCauseProbability float64                    `json:"root_cause_probability"`
	RelatedIncidentUUIDs []string                   `json:"related_incident_uuids"`
	SuggestedActions     []database.SuggestedAction `json:"suggested_actions"`
	Trend                database.TrendSnapshot     `json:"trend"`
	StatusSuggestion     StatusSuggestion           `json:"status_suggestion"`
}

// Cascade orchestrates the primary backend, the secondary backend and the
// deterministic classifier. It owns the sticky unavailability state: one
// 401/403 from any backend disables all backend attempts for the rest of the
// process lifetime.
type Cascade struct {
	store    *database.IncidentStore
	backends []Backend

	mu          sync.Mutex
	unavailable bool

	now func() time.Time
}

// NewCascade creates the analysis cascade. Backends are attempted in the
// given order; with no backends every task goes straight to the classifier.
func NewCascade(store *database.IncidentStore, backends ...Backend) *Cascade {
	return &Cascade{
		store:    store,
		backends: backends,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests
func (c *Cascade) SetClock(now func() time.Time) {
	c.now = now
}

// BackendsAvailable reports whether backend attempts are currently allowed
func (c *Cascade) BackendsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unavailable && len(c.backends) > 0
}

// ResetAvailability clears the sticky unavailability flag. Outside of tests
// this only happens via process restart.
func (c *Cascade) ResetAvailability() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = false
}

func (c *Cascade) markUnavailable(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.unavailable {
		c.unavailable = true
		log.Printf("Backend %s rejected credentials; disabling all inference backends until restart", backend)
	}
}

// Analyze produces the advisory diagnosis for one incident. It records the
// result on the incident (bookkeeping) but never changes its status.
func (c *Cascade) Analyze(ctx context.Context, incidentUUID string) (*Result, error) {
	incident, err := c.store.GetIncidentByUUID(incidentUUID)
	if err != nil {
		return nil, err
	}

	logs, err := c.store.FindLogs(incident.ID, 100)
	if err != nil {
		log.Printf("Warning: failed to load logs for incident %s, analyzing without them: %v", incidentUUID, err)
		logs = nil
	}

	text := incidentText(incident, logs)
	now := c.now()

	severity := c.classifySeverity(ctx, text)
	category := c.classifyCategory(ctx, text)
	rootCause, rootCauseProb := c.classifyRootCause(ctx, text)

	trendResult := trend.Analyze(logs, now)
	snapshot := database.TrendSnapshot{
		IsDegrading:     trendResult.IsDegrading,
		DegradationRate: trendResult.DegradationRate,
	}

	related, err := c.findRelated(incident, category, severity, now)
	if err != nil {
		log.Printf("Warning: related-incident discovery failed for %s: %v", incidentUUID, err)
		related = nil
	}

	stability := trend.CheckStability(logs, now)
	actions := c.suggestActions(incident, severity, rootCause, stability, now)
	suggestion := suggestStatus(severity, incident.ErrorCount, snapshot)

	result := &Result{
		IncidentUUID:         incident.UUID,
		Severity:             severity,
		Category:             category,
		RootCause:            rootCause,
		RootCauseProbability: rootCauseProb,
		RelatedIncidentUUIDs: related,
		SuggestedActions:     actions,
		Trend:                snapshot,
		StatusSuggestion:     suggestion,
	}

	record := &database.AIAnalysis{
		RootCause:            rootCause,
		RootCauseProbability: rootCauseProb,
		RelatedIncidentUUIDs: related,
		SuggestedActions:     actions,
		Trend:                snapshot,
		StatusSuggestion:     string(suggestion),
		AnalyzedAt:           now,
	}
	if _, err := c.store.RecordAnalysis(incident.UUID, record); err != nil {
		log.Printf("Warning: failed to record analysis for incident %s: %v", incidentUUID, err)
	}

	return result, nil
}

// incidentText builds the evidence text fed to classification
func incidentText(incident *database.Incident, logs []database.IncidentLog) string {
	var b strings.Builder
	b.WriteString(incident.Title)
	b.WriteString("\n")
	b.WriteString(incident.Description)
	for _, l := range logs {
		b.WriteString("\n")
		b.WriteString(l.Message)
	}
	return b.String()
}

// classifySeverity runs the severity task through the cascade
func (c *Cascade) classifySeverity(ctx context.Context, text string) database.Severity {
	legal := []string{
		string(database.SeverityLow),
		string(database.SeverityMedium),
		string(database.SeverityHigh),
	}
	prompt := fmt.Sprintf(
		"Classify the severity of this incident as exactly one of: low, medium, high.\nRespond with ONLY the single word.\n\nIncident evidence:\n%s",
		truncate(text, 4000))

	if answer, ok := c.askBackends(ctx, prompt, legal, ClassifyTimeout); ok {
		return database.Severity(answer)
	}
	severity, _ := ClassifySeverity(text)
	return severity
}

// classifyCategory runs the category task through the cascade
func (c *Cascade) classifyCategory(ctx context.Context, text string) database.Category {
	legal := []string{
		string(database.CategoryPerformance),
		string(database.CategoryDatabase),
		string(database.CategoryAuthentication),
		string(database.CategoryNetwork),
		string(database.CategoryDeployment),
	}
	prompt := fmt.Sprintf(
		"Classify this incident into exactly one category: performance, database, authentication, network, deployment.\nRespond with ONLY the single word.\n\nIncident evidence:\n%s",
		truncate(text, 4000))

	if answer, ok := c.askBackends(ctx, prompt, legal, ClassifyTimeout); ok {
		return database.Category(answer)
	}
	category, _ := ClassifyCategory(text)
	return category
}

// classifyRootCause runs the root-cause narrative task through the cascade
func (c *Cascade) classifyRootCause(ctx context.Context, text string) (string, float64) {
	prompt := fmt.Sprintf(
		"You are a site reliability engineer. In two or three sentences, state the most likely root cause of this incident. Base your answer only on the evidence given; do not invent systems that are not mentioned.\n\nIncident evidence:\n%s",
		truncate(text, 6000))

	if answer, ok := c.askBackends(ctx, prompt, nil, NarrativeTimeout); ok {
		return answer, backendRootCauseConfidence
	}
	return ClassifyRootCause(text)
}

// askBackends tries each backend in order with the same acceptance rule:
// for enum tasks the answer must normalize to a legal value, for narrative
// tasks it must be non-empty. An auth rejection flips the sticky flag and
// aborts; other failures fall through to the next backend.
func (c *Cascade) askBackends(ctx context.Context, prompt string, legal []string, timeout time.Duration) (string, bool) {
	if !c.BackendsAvailable() {
		return "", false
	}

	req := CompletionRequest{
		System:      "You are a precise incident diagnosis assistant for a service monitoring system.",
		Prompt:      prompt,
		MaxTokens:   300,
		Temperature: 0.2,
	}

	for _, backend := range c.backends {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		answer, err := backend.Complete(callCtx, req)
		cancel()

		if err != nil {
			if CategoryOf(err) == ErrorAuthRejected {
				c.markUnavailable(backend.Name())
				return "", false
			}
			log.Printf("Backend %s failed, falling through: %v", backend.Name(), err)
			continue
		}

		if len(legal) == 0 {
			if answer != "" {
				return answer, true
			}
			continue
		}

		normalized := strings.ToLower(strings.Trim(strings.TrimSpace(answer), `."'`))
		for _, v := range legal {
			if normalized == v {
				return v, true
			}
		}
		log.Printf("Backend %s returned out-of-range answer %q, falling through", backend.Name(), truncate(answer, 60))
	}
	return "", false
}

// findRelated unions recent open incidents sharing the category with
// recently resolved incidents sharing category and severity, deduplicated.
func (c *Cascade) findRelated(incident *database.Incident, category database.Category, severity database.Severity, now time.Time) ([]string, error) {
	open, err := c.store.FindIncidents(database.IncidentFilter{
		Statuses:    database.OpenStatuses(),
		Category:    category,
		ExcludeUUID: incident.UUID,
		Limit:       relatedOpenLimit,
	})
	if err != nil {
		return nil, err
	}

	resolvedSince := now.Add(-relatedResolvedSince)
	resolved, err := c.store.FindIncidents(database.IncidentFilter{
		Statuses:      []database.IncidentStatus{database.IncidentStatusResolved, database.IncidentStatusAutoResolved},
		Category:      category,
		Severity:      severity,
		ExcludeUUID:   incident.UUID,
		ResolvedAfter: &resolvedSince,
		OrderBy:       "resolved_at desc",
		Limit:         relatedResolvedLimit,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var related []string
	for _, inc := range append(open, resolved...) {
		if seen[inc.UUID] {
			continue
		}
		seen[inc.UUID] = true
		related = append(related, inc.UUID)
	}
	return related, nil
}

// suggestActions applies the fixed advisory action rules. Nothing here
// executes; approval is recorded elsewhere and execution is out of scope.
func (c *Cascade) suggestActions(incident *database.Incident, severity database.Severity, rootCause string, stability trend.Stability, now time.Time) []database.SuggestedAction {
	var actions []database.SuggestedAction
	lowerCause := strings.ToLower(rootCause)

	if strings.Contains(lowerCause, "timeout") || strings.Contains(lowerCause, "connection") {
		actions = append(actions, database.SuggestedAction{
			ActionID:         "restart_service",
			Description:      "Restart the affected service to clear hung connections and reset its worker pool",
			Confidence:       0.7,
			RequiresApproval: true,
		})
	}

	if strings.Contains(lowerCause, "database") {
		actions = append(actions, database.SuggestedAction{
			ActionID:         "review_database",
			Description:      "Review database health: connection pool saturation, replication lag and slow queries",
			Confidence:       0.85,
			RequiresApproval: false,
		})
	}

	if severity == database.SeverityHigh && incident.ErrorCount > 5 {
		actions = append(actions, database.SuggestedAction{
			ActionID:         "escalate_oncall",
			Description:      "Escalate to the on-call engineer; error volume is high for a high-severity incident",
			Confidence:       0.75,
			RequiresApproval: true,
		})
	}

	if incident.IsOpen() && stability.Stable && now.Sub(incident.FirstDetectedAt) >= trend.StabilityWindow {
		actions = append(actions, database.SuggestedAction{
			ActionID:         "consider_resolution",
			Description:      "No errors and under two warnings for 30+ minutes; consider resolving this incident",
			Confidence:       0.8,
			RequiresApproval: true,
		})
	}

	return actions
}

// suggestStatus derives the advisory status suggestion. The default is
// conservative: when in doubt, keep investigating.
func suggestStatus(severity database.Severity, errorCount int, snapshot database.TrendSnapshot) StatusSuggestion {
	switch {
	case severity == database.SeverityHigh || errorCount > 5 || snapshot.IsDegrading:
		return SuggestionNeedsInvestigation
	case severity == database.SeverityMedium && errorCount >= 1:
		return SuggestionRootCauseLikely
	case errorCount == 0 && !snapshot.IsDegrading:
		return SuggestionReadyForResolution
	default:
		return SuggestionNeedsInvestigation
	}
}
