package database

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) *IncidentStore {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	err = db.AutoMigrate(
		&MonitoredService{},
		&Incident{},
		&IncidentLog{},
		&SlackSettings{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return NewIncidentStore(db)
}

func createTestService(t *testing.T, store *IncidentStore, name string) *MonitoredService {
	svc := &MonitoredService{
		Name:    name,
		BaseURL: "http://" + name + ".local",
		Enabled: true,
	}
	if err := store.CreateService(svc); err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func createTestIncident(t *testing.T, store *IncidentStore, svc *MonitoredService) *Incident {
	incident := &Incident{
		Title:       "Health check failure: " + svc.Name,
		Description: "probe failed",
		Severity:    SeverityHigh,
		Category:    CategoryDatabase,
		Source:      IncidentSourceSystem,
		Status:      IncidentStatusOpen,
		ServiceID:   &svc.ID,
		ServiceName: svc.Name,
	}
	if err := store.CreateIncident(incident, "2 of 4 probes failed", LogLevelError); err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}
	return incident
}

func TestCreateIncident_SeedsTimelineAndLog(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "billing")
	incident := createTestIncident(t, store, svc)

	if incident.UUID == "" {
		t.Fatal("expected UUID to be generated")
	}

	stored, err := store.GetIncidentByUUID(incident.UUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored.Timeline) != 1 {
		t.Fatalf("timeline length = %d, want 1", len(stored.Timeline))
	}
	if stored.Timeline[0].Event != EventIncidentDetected {
		t.Errorf("timeline event = %q, want %q", stored.Timeline[0].Event, EventIncidentDetected)
	}
	if stored.Timeline[0].Actor != ActorSystem {
		t.Errorf("timeline actor = %q, want %q", stored.Timeline[0].Actor, ActorSystem)
	}
	if stored.LogCount != 1 {
		t.Errorf("log_count = %d, want 1", stored.LogCount)
	}
	if stored.ErrorCount != 1 {
		t.Errorf("error_count = %d, want 1", stored.ErrorCount)
	}

	logs, err := store.FindLogs(stored.ID, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("log entries = %d, want 1", len(logs))
	}
	if logs[0].Level != LogLevelError {
		t.Errorf("log level = %q, want error", logs[0].Level)
	}
}

func TestCreateIncident_RequiresTitle(t *testing.T) {
	store := setupTestStore(t)

	err := store.CreateIncident(&Incident{}, "", LogLevelInfo)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateIncident_RejectsSecondOpenForService(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "billing")
	createTestIncident(t, store, svc)

	second := &Incident{
		Title:       "Billing checkout errors",
		Description: "reported independently",
		Severity:    SeverityMedium,
		Category:    CategoryPerformance,
		Source:      IncidentSourceEngineer,
		Status:      IncidentStatusOpen,
		ServiceID:   &svc.ID,
		ServiceName: svc.Name,
	}
	err := store.CreateIncident(second, "Reported by engineer", LogLevelInfo)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	open, err := store.FindIncidents(IncidentFilter{
		Statuses:  OpenStatuses(),
		ServiceID: &svc.ID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open incidents = %d, want exactly 1", len(open))
	}
}

func TestCreateIncident_AllowedAfterResolution(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "search")
	first := createTestIncident(t, store, svc)

	// Investigating still counts as open for the invariant
	if _, err := store.ChangeStatus(first.UUID, IncidentStatusInvestigating, ActorEngineer, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blocked := &Incident{Title: "Search latency", ServiceID: &svc.ID, ServiceName: svc.Name}
	if err := store.CreateIncident(blocked, "", LogLevelInfo); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict while investigating, got %v", err)
	}

	if _, err := store.ChangeStatus(first.UUID, IncidentStatusResolved, ActorEngineer, "fixed", ResolvedByEngineer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next := &Incident{Title: "Search latency", ServiceID: &svc.ID, ServiceName: svc.Name}
	if err := store.CreateIncident(next, "", LogLevelInfo); err != nil {
		t.Fatalf("unexpected error after resolution: %v", err)
	}
}

func TestCreateIncident_NoServiceSkipsInvariant(t *testing.T) {
	store := setupTestStore(t)

	for _, title := range []string{"Unattributed spike", "Another unattributed spike"} {
		incident := &Incident{Title: title, Source: IncidentSourceEngineer}
		if err := store.CreateIncident(incident, "", LogLevelInfo); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestAppendLog_BumpsCounters(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "search")
	incident := createTestIncident(t, store, svc)

	if _, err := store.AppendLog(incident.UUID, "still failing", LogLevelError); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.AppendLog(incident.UUID, "latency elevated", LogLevelWarning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := store.GetIncidentByUUID(incident.UUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Initial error log plus the two appended here
	if stored.LogCount != 3 {
		t.Errorf("log_count = %d, want 3", stored.LogCount)
	}
	if stored.ErrorCount != 2 {
		t.Errorf("error_count = %d, want 2", stored.ErrorCount)
	}
}

func TestAppendLog_UnknownIncident(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.AppendLog("no-such-uuid", "msg", LogLevelInfo)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChangeStatus_SetsResolutionFieldsOnce(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "payments")
	incident := createTestIncident(t, store, svc)

	resolved, err := store.ChangeStatus(incident.UUID, IncidentStatusResolved, ActorEngineer, "fixed", ResolvedByEngineer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Fatal("expected resolved_at to be set")
	}
	if resolved.ResolvedBy != ResolvedByEngineer {
		t.Errorf("resolved_by = %q, want engineer", resolved.ResolvedBy)
	}
	if resolved.ResolutionTimeSeconds == nil {
		t.Fatal("expected resolution_time_seconds to be set")
	}
	firstResolvedAt := *resolved.ResolvedAt

	// A later transition into another resolved-like status must not
	// overwrite the original resolution fields.
	closed, err := store.ChangeStatus(incident.UUID, IncidentStatusClosed, ActorSystem, "cleanup", ResolvedBySystem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed.ResolvedAt == nil || !closed.ResolvedAt.Equal(firstResolvedAt) {
		t.Errorf("resolved_at changed on second transition: %v != %v", closed.ResolvedAt, firstResolvedAt)
	}
	if closed.ResolvedBy != ResolvedByEngineer {
		t.Errorf("resolved_by = %q, want engineer preserved", closed.ResolvedBy)
	}
}

func TestChangeStatus_SameStatusIsNoOp(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "auth")
	incident := createTestIncident(t, store, svc)

	updated, err := store.ChangeStatus(incident.UUID, IncidentStatusOpen, ActorEngineer, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updated.Timeline) != 1 {
		t.Errorf("timeline length = %d, want 1 (no event appended)", len(updated.Timeline))
	}
	if updated.LogCount != 1 {
		t.Errorf("log_count = %d, want 1 (no log appended)", updated.LogCount)
	}
}

func TestChangeStatus_AppendsTimelineAndLog(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "gateway")
	incident := createTestIncident(t, store, svc)

	updated, err := store.ChangeStatus(incident.UUID, IncidentStatusInvestigating, ActorEngineer, "looking into it", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != IncidentStatusInvestigating {
		t.Errorf("status = %q, want investigating", updated.Status)
	}
	if len(updated.Timeline) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(updated.Timeline))
	}
	last := updated.Timeline[1]
	if last.Event != EventStatusChanged {
		t.Errorf("timeline event = %q, want %q", last.Event, EventStatusChanged)
	}
	if last.Actor != ActorEngineer {
		t.Errorf("timeline actor = %q, want engineer", last.Actor)
	}
	if updated.ResolvedAt != nil {
		t.Error("investigating must not set resolution fields")
	}
	if updated.LogCount != 2 {
		t.Errorf("log_count = %d, want 2", updated.LogCount)
	}
}

func TestCloseOpenIncidents_KeepsInvariant(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "inventory")
	first := createTestIncident(t, store, svc)

	if _, err := store.ChangeStatus(first.UUID, IncidentStatusInvestigating, ActorEngineer, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closed, err := store.CloseOpenIncidents(svc.ID, "superseded")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(closed))
	}
	if closed[0].Status != IncidentStatusClosed {
		t.Errorf("status = %q, want closed", closed[0].Status)
	}

	open, err := store.FindOpenIncidentForService(svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if open != nil {
		t.Errorf("expected no open incident, got %s", open.UUID)
	}

	// A second sweep finds nothing to close
	closed, err = store.CloseOpenIncidents(svc.ID, "superseded")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(closed) != 0 {
		t.Errorf("closed = %d, want 0", len(closed))
	}
}

func TestFindOpenIncidentForService_IgnoresResolved(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "email")
	incident := createTestIncident(t, store, svc)

	if _, err := store.ChangeStatus(incident.UUID, IncidentStatusResolved, ActorEngineer, "", ResolvedByEngineer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	open, err := store.FindOpenIncidentForService(svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if open != nil {
		t.Errorf("resolved incident should not count as open, got %s", open.UUID)
	}
}

func TestFindIncidents_Filters(t *testing.T) {
	store := setupTestStore(t)
	svcA := createTestService(t, store, "svc-a")
	svcB := createTestService(t, store, "svc-b")
	createTestIncident(t, store, svcA)
	b := createTestIncident(t, store, svcB)

	if _, err := store.ChangeStatus(b.UUID, IncidentStatusResolved, ActorEngineer, "", ResolvedByEngineer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	open, err := store.FindIncidents(IncidentFilter{Statuses: OpenStatuses()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open incidents = %d, want 1", len(open))
	}

	forB, err := store.FindIncidents(IncidentFilter{ServiceID: &svcB.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(forB) != 1 {
		t.Errorf("incidents for svc-b = %d, want 1", len(forB))
	}

	count, err := store.CountIncidents(IncidentFilter{Statuses: OpenStatuses()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestRecordAnalysis_PersistsAndLogs(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "reports")
	incident := createTestIncident(t, store, svc)

	analysis := &AIAnalysis{
		RootCause:            "database",
		RootCauseProbability: 0.8,
		Trend:                TrendSnapshot{IsDegrading: true, DegradationRate: 0.4},
		StatusSuggestion:     "needs_investigation",
		AnalyzedAt:           time.Now(),
	}

	updated, err := store.RecordAnalysis(incident.UUID, analysis)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Analysis == nil {
		t.Fatal("expected analysis to be stored")
	}
	if updated.Analysis.RootCause != "database" {
		t.Errorf("root cause = %q, want database", updated.Analysis.RootCause)
	}
	if updated.Status != IncidentStatusOpen {
		t.Errorf("status = %q, analysis must not change operational status", updated.Status)
	}
	if updated.LogCount != 2 {
		t.Errorf("log_count = %d, want 2 (audit log appended)", updated.LogCount)
	}
}

func TestApproveAction(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "checkout")
	incident := createTestIncident(t, store, svc)

	analysis := &AIAnalysis{
		RootCause:            "resource",
		RootCauseProbability: 0.7,
		SuggestedActions: []SuggestedAction{
			{ActionID: "restart_service", Description: "Restart checkout", Confidence: 0.7, RequiresApproval: true},
		},
		AnalyzedAt: time.Now(),
	}
	if _, err := store.RecordAnalysis(incident.UUID, analysis); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := store.ApproveAction(incident.UUID, 0, ActorEngineer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Analysis.SuggestedActions[0].ApprovedAt == nil {
		t.Fatal("expected approved_at to be set")
	}
	firstApproval := *updated.Analysis.SuggestedActions[0].ApprovedAt

	// Second approval is idempotent
	again, err := store.ApproveAction(incident.UUID, 0, ActorEngineer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Analysis.SuggestedActions[0].ApprovedAt.Equal(firstApproval) {
		t.Error("approved_at changed on repeated approval")
	}

	// Out-of-range index
	if _, err := store.ApproveAction(incident.UUID, 5, ActorEngineer); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := store.ApproveAction(incident.UUID, -1, ActorEngineer); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestServiceCRUD(t *testing.T) {
	store := setupTestStore(t)
	svc := createTestService(t, store, "frontend")

	got, err := store.GetService(svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "frontend" {
		t.Errorf("name = %q, want frontend", got.Name)
	}

	updated, err := store.UpdateService(svc.ID, map[string]interface{}{"enabled": false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Enabled {
		t.Error("expected service to be disabled")
	}

	enabled, err := store.ListServices(true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled services = %d, want 0", len(enabled))
	}

	all, err := store.ListServices(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("all services = %d, want 1", len(all))
	}

	if err := store.DeleteService(svc.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.DeleteService(svc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetService(svc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
