// Package monitor drives the continuous health-monitoring loop: it polls
// every enabled service, reconciles probe verdicts against open incidents,
// and auto-resolves incidents that have gone quiet.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/events"
	"github.com/opswatch/opswatch/internal/prober"
	"github.com/opswatch/opswatch/internal/trend"
)

// DefaultInterval is the default monitoring cycle interval
const DefaultInterval = 5 * time.Minute

// defaultWorkers bounds per-cycle parallelism so a large service catalog
// does not overwhelm either the probed fleet or this process.
const defaultWorkers = 4

// autoResolveLogWindow bounds how many recent logs the auto-resolution
// check fetches per incident.
const autoResolveLogWindow = 100

// Notifier receives best-effort incident notifications
type Notifier interface {
	IncidentCreated(incident *database.Incident)
	IncidentAutoResolved(incident *database.Incident)
}

// Monitor is the scheduler for the health-monitoring loop
type Monitor struct {
	store    *database.IncidentStore
	prober   *prober.Prober
	interval time.Duration
	workers  int

	notifier Notifier
	sink     events.Sink

	mu      sync.Mutex
	running bool
	stop    chan struct{}

	// cycleMu enforces the single-cycle-in-flight discipline: a tick that
	// arrives while reconciliation is still running is skipped, not queued.
	cycleMu sync.Mutex

	now func() time.Time
}

// New creates a monitor. A non-positive interval uses DefaultInterval.
func New(store *database.IncidentStore, p *prober.Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		store:    store,
		prober:   p,
		interval: interval,
		workers:  defaultWorkers,
		now:      time.Now,
	}
}

// SetNotifier attaches a best-effort notifier
func (m *Monitor) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetEventSink attaches a lifecycle event sink
func (m *Monitor) SetEventSink(s events.Sink) {
	m.sink = s
}

// SetClock overrides the time source, for tests
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start begins the recurring monitoring cycles and fires one immediately.
// Calling Start while already running is a silent no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	log.Printf("Monitoring started (cycle interval %s)", m.interval)
	go m.run(stop)
}

// Stop cancels the recurring schedule. In-flight probes for the current
// cycle finish on their own; no new cycle is enqueued after Stop returns.
// Calling Stop when already stopped is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
	log.Println("Monitoring stopped")
}

// Running reports whether the recurring schedule is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Interval returns the configured cycle interval
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

func (m *Monitor) run(stop <-chan struct{}) {
	m.RunCycle()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunCycle()
		case <-stop:
			return
		}
	}
}

// RunCycle executes one monitoring cycle. If the previous cycle is still in
// flight the call returns immediately. Every per-service failure is caught
// and logged; the cycle always proceeds to the remaining services.
func (m *Monitor) RunCycle() {
	if !m.cycleMu.TryLock() {
		log.Println("Previous monitoring cycle still in flight, skipping")
		return
	}
	defer m.cycleMu.Unlock()

	services, err := m.store.ListServices(true)
	if err != nil {
		log.Printf("Monitoring cycle: failed to list services, retrying next cycle: %v", err)
		return
	}

	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		sem <- struct{}{}
		go func(svc database.MonitoredService) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.checkService(svc); err != nil {
				log.Printf("Monitoring cycle: service %s failed: %v", svc.Name, err)
			}
		}(svc)
	}
	wg.Wait()

	if err := m.autoResolveSweep(); err != nil {
		log.Printf("Monitoring cycle: auto-resolution sweep failed: %v", err)
	}
}

// checkService probes one service and reconciles the verdict against its
// incident record.
func (m *Monitor) checkService(svc database.MonitoredService) error {
	targets := prober.TargetsFromPaths(svc.ProbePaths)
	verdict := m.prober.Check(context.Background(), svc.BaseURL, targets)

	if verdict.Healthy {
		return nil
	}

	return m.reconcileFailure(svc, verdict)
}

// reconcileFailure closes stale open incidents for the service, then creates
// a fresh incident for the current failure. The store's create path re-checks
// the no-open-incident invariant under the service lock, so an incident
// created concurrently (an engineer report landing between cleanup and
// create) turns the create into a skip, never a duplicate.
func (m *Monitor) reconcileFailure(svc database.MonitoredService, verdict prober.Verdict) error {
	// An unhealthy verdict always carries at least one failure; bail before
	// touching incident records if it somehow does not.
	if len(verdict.Failed) == 0 {
		return nil
	}

	closed, err := m.store.CloseOpenIncidents(svc.ID, "Superseded by a new health-check failure")
	if err != nil {
		return fmt.Errorf("cleanup of stale incidents: %w", err)
	}
	for i := range closed {
		m.publish(events.FromIncident(events.TypeIncidentClosed, &closed[i], "closed by monitoring cleanup"))
	}

	severity := severityFromVerdict(verdict)
	category := categoryFromVerdict(verdict)

	incident := &database.Incident{
		Title:       fmt.Sprintf("Health check failure: %s", svc.Name),
		Description: describeVerdict(verdict),
		Severity:    severity,
		Category:    category,
		Source:      database.IncidentSourceSystem,
		Status:      database.IncidentStatusOpen,
		ServiceID:   &svc.ID,
		ServiceName: svc.Name,
	}

	detail := fmt.Sprintf("%d of %d probes failed", len(verdict.Failed), len(verdict.Failed)+len(verdict.Succeeded))
	if err := m.store.CreateIncident(incident, detail, database.LogLevelError); err != nil {
		if errors.Is(err, database.ErrConflict) {
			log.Printf("Service %s already has an open incident after cleanup, skipping creation", svc.Name)
			return nil
		}
		return fmt.Errorf("create incident: %w", err)
	}

	log.Printf("Created incident %s for service %s (severity=%s category=%s)", incident.UUID, svc.Name, severity, category)
	m.publish(events.FromIncident(events.TypeIncidentCreated, incident, detail))
	if m.notifier != nil {
		m.notifier.IncidentCreated(incident)
	}
	return nil
}

// autoResolveSweep transitions investigating incidents to auto_resolved once
// they have been quiet for the stability window. The transition is applied
// at most once: after it fires the incident is no longer investigating.
func (m *Monitor) autoResolveSweep() error {
	investigating, err := m.store.FindIncidents(database.IncidentFilter{
		Statuses: []database.IncidentStatus{database.IncidentStatusInvestigating},
	})
	if err != nil {
		return err
	}

	for _, incident := range investigating {
		logs, err := m.store.FindLogs(incident.ID, autoResolveLogWindow)
		if err != nil {
			log.Printf("Auto-resolution: failed to load logs for %s: %v", incident.UUID, err)
			continue
		}

		stability := trend.CheckStability(logs, m.now())
		if !stability.Stable {
			continue
		}

		detail := fmt.Sprintf("No errors and %d warning(s) in the last %s", stability.WarningCount, trend.StabilityWindow)
		updated, err := m.store.ChangeStatus(incident.UUID, database.IncidentStatusAutoResolved, database.ActorAI, detail, database.ResolvedByAIAuto)
		if err != nil {
			log.Printf("Auto-resolution: failed to transition %s: %v", incident.UUID, err)
			continue
		}

		log.Printf("Auto-resolved incident %s after stable window", incident.UUID)
		m.publish(events.FromIncident(events.TypeIncidentAutoResolved, updated, detail))
		if m.notifier != nil {
			m.notifier.IncidentAutoResolved(updated)
		}
	}
	return nil
}

func (m *Monitor) publish(event events.Event) {
	if m.sink != nil {
		m.sink.Publish(event)
	}
}

// severityFromVerdict applies the probe-set severity rule: the overall or
// database probe failing, or two or more failures, is high; otherwise medium.
func severityFromVerdict(verdict prober.Verdict) database.Severity {
	if len(verdict.Failed) >= 2 {
		return database.SeverityHigh
	}
	for _, f := range verdict.Failed {
		if f.Name == prober.ProbeOverall || f.Name == prober.ProbeDatabase {
			return database.SeverityHigh
		}
	}
	return database.SeverityMedium
}

// categoryFromVerdict applies the probe-set category rule in precedence
// order: database, then auth, then api; performance is the default.
func categoryFromVerdict(verdict prober.Verdict) database.Category {
	failed := make(map[string]bool, len(verdict.Failed))
	for _, f := range verdict.Failed {
		failed[f.Name] = true
	}
	switch {
	case failed[prober.ProbeDatabase]:
		return database.CategoryDatabase
	case failed[prober.ProbeAuth]:
		return database.CategoryAuthentication
	case failed[prober.ProbeAPI]:
		return database.CategoryPerformance
	default:
		return database.CategoryPerformance
	}
}

// describeVerdict renders the failed and succeeded probe sets for the
// incident description.
func describeVerdict(verdict prober.Verdict) string {
	var b strings.Builder
	b.WriteString("Failed probes:\n")
	for _, f := range verdict.Failed {
		b.WriteString("  - ")
		b.WriteString(f.String())
		b.WriteString("\n")
	}
	if len(verdict.Succeeded) > 0 {
		b.WriteString("Healthy probes: ")
		b.WriteString(strings.Join(verdict.Succeeded, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
