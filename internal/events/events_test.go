package events

import (
	"testing"

	"github.com/opswatch/opswatch/internal/database"
)

func TestFromIncident(t *testing.T) {
	incident := &database.Incident{
		UUID:        "abc-123",
		ServiceName: "billing",
		Status:      database.IncidentStatusOpen,
		Severity:    database.SeverityHigh,
	}

	event := FromIncident(TypeIncidentCreated, incident, "2 of 4 probes failed")

	if event.Type != TypeIncidentCreated {
		t.Errorf("type = %q, want incident_created", event.Type)
	}
	if event.IncidentUUID != "abc-123" {
		t.Errorf("uuid = %q, want abc-123", event.IncidentUUID)
	}
	if event.ServiceName != "billing" {
		t.Errorf("service = %q, want billing", event.ServiceName)
	}
	if event.Severity != database.SeverityHigh {
		t.Errorf("severity = %q, want high", event.Severity)
	}
	if event.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}
