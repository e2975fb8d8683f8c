// Package trend derives an advisory degrading/stable signal from an
// incident's log time-series. The windowed error-rate comparison is a
// heuristic, not a statistical test; both the monitor loop and the analysis
// cascade consume it as advisory input only.
package trend

import (
	"time"

	"github.com/opswatch/opswatch/internal/database"
)

// Trailing windows compared by Analyze.
const (
	WindowShort = 5 * time.Minute
	WindowMid   = 15 * time.Minute
	WindowLong  = 30 * time.Minute
)

// StabilityWindow is the quiet period required before auto-resolution.
const StabilityWindow = 30 * time.Minute

// minLogs is the minimum series length for a meaningful signal
const minLogs = 3

// Result is the reduced trend signal
type Result struct {
	IsDegrading     bool
	DegradationRate float64
}

// Analyze computes error rates over the 5/15/30 minute trailing windows.
// The incident is degrading iff the rate strictly increases toward now:
// rate(5m) > rate(15m) > rate(30m). DegradationRate is rate(5m) − rate(30m)
// when degrading, 0 otherwise. Fewer than 3 logs reports not-degrading.
func Analyze(logs []database.IncidentLog, now time.Time) Result {
	if len(logs) < minLogs {
		return Result{}
	}

	shortRate := errorRate(logs, now, WindowShort)
	midRate := errorRate(logs, now, WindowMid)
	longRate := errorRate(logs, now, WindowLong)

	if shortRate > midRate && midRate > longRate {
		return Result{
			IsDegrading:     true,
			DegradationRate: shortRate - longRate,
		}
	}
	return Result{}
}

// errorRate returns (error-level count)/(total count) for logs within the
// trailing window, or 0 for an empty window.
func errorRate(logs []database.IncidentLog, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	total := 0
	errorCount := 0
	for _, l := range logs {
		if l.CreatedAt.Before(cutoff) || l.CreatedAt.After(now) {
			continue
		}
		total++
		if l.Level == database.LogLevelError {
			errorCount++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(errorCount) / float64(total)
}

// Stability summarizes the recent quiet period for auto-resolution checks
type Stability struct {
	Stable       bool
	ErrorCount   int
	WarningCount int
}

// CheckStability reports whether the incident has been quiet for the
// stability window: no error-level log and fewer than 2 warning-level logs
// within the last 30 minutes.
func CheckStability(logs []database.IncidentLog, now time.Time) Stability {
	cutoff := now.Add(-StabilityWindow)
	s := Stability{}
	for _, l := range logs {
		if l.CreatedAt.Before(cutoff) || l.CreatedAt.After(now) {
			continue
		}
		switch l.Level {
		case database.LogLevelError:
			s.ErrorCount++
		case database.LogLevelWarning:
			s.WarningCount++
		}
	}
	s.Stable = s.ErrorCount == 0 && s.WarningCount < 2
	return s
}
