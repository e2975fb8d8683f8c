// Package events defines the incident lifecycle events published to live
// subscribers (the websocket feed). Delivery is best effort.
package events

import (
	"time"

	"github.com/opswatch/opswatch/internal/database"
)

// Type identifies the kind of lifecycle event
type Type string

const (
	TypeIncidentCreated      Type = "incident_created"
	TypeIncidentClosed       Type = "incident_closed"
	TypeIncidentAutoResolved Type = "incident_auto_resolved"
	TypeStatusChanged        Type = "status_changed"
)

// Event is one incident lifecycle notification
type Event struct {
	Type         Type                    `json:"type"`
	IncidentUUID string                  `json:"incident_uuid"`
	ServiceName  string                  `json:"service_name,omitempty"`
	Status       database.IncidentStatus `json:"status"`
	Severity     database.Severity       `json:"severity"`
	Message      string                  `json:"message,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// FromIncident builds an event snapshot for the given incident
func FromIncident(t Type, incident *database.Incident, message string) Event {
	return Event{
		Type:         t,
		IncidentUUID: incident.UUID,
		ServiceName:  incident.ServiceName,
		Status:       incident.Status,
		Severity:     incident.Severity,
		Message:      message,
		Timestamp:    time.Now(),
	}
}

// Sink receives lifecycle events. Implementations must not block.
type Sink interface {
	Publish(event Event)
}
