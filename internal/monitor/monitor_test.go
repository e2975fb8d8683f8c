package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/events"
	"github.com/opswatch/opswatch/internal/prober"
)

func setupTestStore(t *testing.T) *database.IncidentStore {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	err = db.AutoMigrate(&database.MonitoredService{}, &database.Incident{}, &database.IncidentLog{})
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return database.NewIncidentStore(db)
}

// healthServer reports the given status per probe path
func healthServer(statuses map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, ok := statuses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
}

func registerService(t *testing.T, store *database.IncidentStore, name, baseURL string) *database.MonitoredService {
	svc := &database.MonitoredService{Name: name, BaseURL: baseURL, Enabled: true}
	if err := store.CreateService(svc); err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

// recordingSink captures published events
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// recordingNotifier captures notification calls
type recordingNotifier struct {
	mu       sync.Mutex
	created  []string
	resolved []string
}

func (n *recordingNotifier) IncidentCreated(incident *database.Incident) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, incident.UUID)
}

func (n *recordingNotifier) IncidentAutoResolved(incident *database.Incident) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, incident.UUID)
}

func TestRunCycle_HealthyServiceCreatesNothing(t *testing.T) {
	store := setupTestStore(t)
	srv := healthServer(map[string]string{
		"/health":      "healthy",
		"/health/api":  "healthy",
		"/health/db":   "healthy",
		"/health/auth": "healthy",
	})
	defer srv.Close()
	registerService(t, store, "billing", srv.URL)

	m := New(store, prober.New(time.Second), time.Minute)
	m.RunCycle()

	incidents, err := store.FindIncidents(database.IncidentFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(incidents) != 0 {
		t.Errorf("incidents = %d, want 0", len(incidents))
	}
}

func TestRunCycle_FailureCreatesIncident(t *testing.T) {
	store := setupTestStore(t)
	srv := healthServer(map[string]string{
		"/health":      "unhealthy",
		"/health/api":  "healthy",
		"/health/db":   "unhealthy",
		"/health/auth": "healthy",
	})
	defer srv.Close()
	svc := registerService(t, store, "billing", srv.URL)

	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	m := New(store, prober.New(time.Second), time.Minute)
	m.SetEventSink(sink)
	m.SetNotifier(notifier)
	m.RunCycle()

	incident, err := store.FindOpenIncidentForService(svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if incident == nil {
		t.Fatal("expected an open incident")
	}

	// Two failures, one of them the database probe: high severity, database category
	if incident.Severity != database.SeverityHigh {
		t.Errorf("severity = %q, want high", incident.Severity)
	}
	if incident.Category != database.CategoryDatabase {
		t.Errorf("category = %q, want database", incident.Category)
	}
	if incident.Source != database.IncidentSourceSystem {
		t.Errorf("source = %q, want system", incident.Source)
	}
	if incident.LogCount != 1 || incident.ErrorCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", incident.LogCount, incident.ErrorCount)
	}
	if len(incident.Timeline) != 1 {
		t.Errorf("timeline length = %d, want 1", len(incident.Timeline))
	}

	if got := sink.byType(events.TypeIncidentCreated); len(got) != 1 {
		t.Errorf("created events = %d, want 1", len(got))
	}
	if len(notifier.created) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.created))
	}
}

func TestRunCycle_RepeatedFailureKeepsOneOpenIncident(t *testing.T) {
	store := setupTestStore(t)
	srv := healthServer(map[string]string{
		"/health":      "unhealthy",
		"/health/api":  "healthy",
		"/health/db":   "healthy",
		"/health/auth": "healthy",
	})
	defer srv.Close()
	svc := registerService(t, store, "search", srv.URL)

	sink := &recordingSink{}
	m := New(store, prober.New(time.Second), time.Minute)
	m.SetEventSink(sink)

	m.RunCycle()
	m.RunCycle()
	m.RunCycle()

	open, err := store.FindIncidents(database.IncidentFilter{
		Statuses:  database.OpenStatuses(),
		ServiceID: &svc.ID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open incidents = %d, want exactly 1", len(open))
	}

	// Earlier incidents are closed, not duplicated
	all, err := store.FindIncidents(database.IncidentFilter{ServiceID: &svc.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("total incidents = %d, want 3", len(all))
	}
	if got := sink.byType(events.TypeIncidentClosed); len(got) != 2 {
		t.Errorf("closed events = %d, want 2", len(got))
	}
}

func TestReconcileFailure_EmptyVerdictTouchesNothing(t *testing.T) {
	store := setupTestStore(t)
	svc := registerService(t, store, "inventory", "http://unused.local")

	existing := &database.Incident{
		Title:     "Health check failure: inventory",
		Status:    database.IncidentStatusOpen,
		ServiceID: &svc.ID,
	}
	if err := store.CreateIncident(existing, "failed", database.LogLevelError); err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}

	m := New(store, prober.New(time.Second), time.Minute)
	if err := m.reconcileFailure(*svc, prober.Verdict{Healthy: false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current, err := store.GetIncidentByUUID(existing.UUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.Status != database.IncidentStatusOpen {
		t.Errorf("status = %q, a verdict without failures must not close incidents", current.Status)
	}
}

func TestAutoResolveSweep(t *testing.T) {
	store := setupTestStore(t)
	svc := registerService(t, store, "payments", "http://unused.local")

	incident := &database.Incident{
		Title:       "Health check failure: payments",
		Severity:    database.SeverityMedium,
		Category:    database.CategoryPerformance,
		Source:      database.IncidentSourceSystem,
		Status:      database.IncidentStatusOpen,
		ServiceID:   &svc.ID,
		ServiceName: svc.Name,
	}
	if err := store.CreateIncident(incident, "1 of 4 probes failed", database.LogLevelError); err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}
	if _, err := store.ChangeStatus(incident.UUID, database.IncidentStatusInvestigating, database.ActorEngineer, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	m := New(store, prober.New(time.Second), time.Minute)
	m.SetEventSink(sink)
	m.SetNotifier(notifier)

	// Not quiet long enough yet: the error log is inside the window
	if err := m.autoResolveSweep(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current, _ := store.GetIncidentByUUID(incident.UUID)
	if current.Status != database.IncidentStatusInvestigating {
		t.Fatalf("status = %q, want investigating before the quiet window passes", current.Status)
	}

	// Advance the clock past the stability window
	m.SetClock(func() time.Time { return time.Now().Add(31 * time.Minute) })
	if err := m.autoResolveSweep(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := store.GetIncidentByUUID(incident.UUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != database.IncidentStatusAutoResolved {
		t.Fatalf("status = %q, want auto_resolved", resolved.Status)
	}
	if resolved.ResolvedBy != database.ResolvedByAIAuto {
		t.Errorf("resolved_by = %q, want ai-auto", resolved.ResolvedBy)
	}
	if resolved.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}
	if resolved.ResolutionTimeSeconds == nil {
		t.Fatal("expected resolution_time_seconds to be set")
	}
	// The incident was created moments ago in this test
	if secs := *resolved.ResolutionTimeSeconds; secs < 0 || secs > 60 {
		t.Errorf("resolution_time_seconds = %d, want elapsed time since creation", secs)
	}

	if got := sink.byType(events.TypeIncidentAutoResolved); len(got) != 1 {
		t.Errorf("auto-resolved events = %d, want 1", len(got))
	}
	if len(notifier.resolved) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.resolved))
	}
}

func TestAutoResolveSweep_SkipsOpenIncidents(t *testing.T) {
	store := setupTestStore(t)
	svc := registerService(t, store, "email", "http://unused.local")

	incident := &database.Incident{
		Title:     "Health check failure: email",
		Status:    database.IncidentStatusOpen,
		ServiceID: &svc.ID,
	}
	if err := store.CreateIncident(incident, "failed", database.LogLevelError); err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}

	m := New(store, prober.New(time.Second), time.Minute)
	m.SetClock(func() time.Time { return time.Now().Add(31 * time.Minute) })
	if err := m.autoResolveSweep(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current, _ := store.GetIncidentByUUID(incident.UUID)
	if current.Status != database.IncidentStatusOpen {
		t.Errorf("status = %q, auto-resolution only applies to investigating incidents", current.Status)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	m := New(store, prober.New(time.Second), time.Hour)

	if m.Running() {
		t.Fatal("monitor should not start running")
	}

	m.Start()
	m.Start() // second start is a no-op
	if !m.Running() {
		t.Fatal("expected running after Start")
	}

	m.Stop()
	m.Stop() // second stop is a no-op
	if m.Running() {
		t.Fatal("expected stopped after Stop")
	}

	// Restart works
	m.Start()
	if !m.Running() {
		t.Fatal("expected running after restart")
	}
	m.Stop()
}

func TestNew_DefaultInterval(t *testing.T) {
	store := setupTestStore(t)
	m := New(store, prober.New(time.Second), 0)
	if m.Interval() != DefaultInterval {
		t.Errorf("interval = %s, want %s", m.Interval(), DefaultInterval)
	}
}
