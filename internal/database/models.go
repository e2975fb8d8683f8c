package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Severity represents the severity of an incident
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Category represents the problem category of an incident
type Category string

const (
	CategoryPerformance    Category = "performance"
	CategoryDatabase       Category = "database"
	CategoryAuthentication Category = "authentication"
	CategoryNetwork        Category = "network"
	CategoryDeployment     Category = "deployment"
)

// IncidentSource represents who created an incident
type IncidentSource string

const (
	IncidentSourceSystem   IncidentSource = "system"
	IncidentSourceEngineer IncidentSource = "engineer"
)

// IncidentStatus represents the lifecycle status of an incident
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusAutoResolved  IncidentStatus = "auto_resolved"
	IncidentStatusClosed        IncidentStatus = "closed"
)

// OpenStatuses are the statuses counted against the one-open-incident-per-service rule.
func OpenStatuses() []IncidentStatus {
	return []IncidentStatus{IncidentStatusOpen, IncidentStatusInvestigating}
}

// IsResolvedLike returns true for statuses that carry resolution metadata.
func (s IncidentStatus) IsResolvedLike() bool {
	return s == IncidentStatusResolved || s == IncidentStatusAutoResolved || s == IncidentStatusClosed
}

// ValidIncidentStatuses returns all legal incident statuses.
func ValidIncidentStatuses() []IncidentStatus {
	return []IncidentStatus{
		IncidentStatusOpen,
		IncidentStatusInvestigating,
		IncidentStatusResolved,
		IncidentStatusAutoResolved,
		IncidentStatusClosed,
	}
}

// Actor identifies who performed a timeline action
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorEngineer Actor = "engineer"
	ActorAI       Actor = "ai"
)

// ResolvedBy identifies what resolved an incident
type ResolvedBy string

const (
	ResolvedBySystem   ResolvedBy = "system"
	ResolvedByEngineer ResolvedBy = "engineer"
	ResolvedByAIAuto   ResolvedBy = "ai-auto"
)

// LogLevel represents the level of an incident log entry
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// TimelineEvent is one entry in an incident's append-only timeline
type TimelineEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Status    IncidentStatus `json:"status"`
	Actor     Actor          `json:"actor"`
	Details   string         `json:"details,omitempty"`
}

// Timeline is a JSON column holding the ordered timeline events
type Timeline []TimelineEvent

// Scan implements the sql.Scanner interface
func (t *Timeline) Scan(value interface{}) error {
	if value == nil {
		*t = Timeline{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("type assertion to []byte failed")
		}
	}
	return json.Unmarshal(bytes, t)
}

// Value implements the driver.Valuer interface
func (t Timeline) Value() (driver.Value, error) {
	if t == nil {
		return json.Marshal(Timeline{})
	}
	return json.Marshal(t)
}

// SuggestedAction is one advisory remediation proposed by analysis.
// Actions are never executed by this system; approval is bookkeeping only.
type SuggestedAction struct {
	ActionID         string     `json:"action_id"`
	Description      string     `json:"description"`
	Confidence       float64    `json:"confidence"`
	RequiresApproval bool       `json:"requires_approval"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
}

// TrendSnapshot captures the degradation signal at analysis time
type TrendSnapshot struct {
	IsDegrading     bool    `json:"is_degrading"`
	DegradationRate float64 `json:"degradation_rate"`
}

// AIAnalysis holds the last analysis recorded for an incident
type AIAnalysis struct {
	RootCause            string            `json:"root_cause"`
	RootCauseProbability float64           `json:"root_cause_probability"`
	RelatedIncidentUUIDs []string          `json:"related_incident_uuids,omitempty"`
	SuggestedActions     []SuggestedAction `json:"suggested_actions,omitempty"`
	Trend                TrendSnapshot     `json:"trend"`
	StatusSuggestion     string            `json:"status_suggestion,omitempty"`
	AnalyzedAt           time.Time         `json:"analyzed_at"`
}

// Scan implements the sql.Scanner interface
func (a *AIAnalysis) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("type assertion to []byte failed")
		}
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, a)
}

// Value implements the driver.Valuer interface
func (a AIAnalysis) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// StringList is a JSON column holding an ordered list of strings
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("type assertion to []byte failed")
		}
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal(StringList{})
	}
	return json.Marshal(l)
}

// MonitoredService is a registered service polled by the monitor loop.
// The monitor treats each row as an immutable snapshot per cycle.
type MonitoredService struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Name       string     `gorm:"uniqueIndex;size:128;not null" json:"name"`
	BaseURL    string     `gorm:"type:text;not null" json:"base_url"`
	ProbePaths StringList `gorm:"type:jsonb" json:"probe_paths"` // empty means the canonical probe set
	Enabled    bool       `gorm:"default:true" json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (MonitoredService) TableName() string {
	return "monitored_services"
}

// Incident is a tracked record of a suspected or confirmed system problem
type Incident struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	UUID        string         `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Title       string         `gorm:"type:varchar(255);not null" json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	Severity    Severity       `gorm:"type:varchar(16);not null;default:'medium'" json:"severity"`
	Category    Category       `gorm:"type:varchar(32);not null;default:'performance'" json:"category"`
	Source      IncidentSource `gorm:"type:varchar(16);not null;default:'system'" json:"source"`
	Status      IncidentStatus `gorm:"type:varchar(24);not null;default:'open';index" json:"status"`

	// Optional link to the monitored service that triggered this incident
	ServiceID   *uint  `gorm:"index" json:"service_id,omitempty"`
	ServiceName string `gorm:"size:128" json:"service_name,omitempty"`

	Analysis *AIAnalysis `gorm:"type:jsonb;column:ai_analysis" json:"ai_analysis,omitempty"`
	Timeline Timeline    `gorm:"type:jsonb" json:"timeline"`

	FirstDetectedAt time.Time `json:"first_detected_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	LogCount        int       `gorm:"default:0" json:"log_count"`
	ErrorCount      int       `gorm:"default:0" json:"error_count"`

	// Resolution fields, set exactly once on transition into a resolved-like status
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
	ResolutionTimeSeconds *int64     `json:"resolution_time_seconds,omitempty"`
	ResolvedBy            ResolvedBy `gorm:"type:varchar(16)" json:"resolved_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook to set the UUID and detection timestamps
func (i *Incident) BeforeCreate(tx *gorm.DB) error {
	if i.UUID == "" {
		i.UUID = uuid.New().String()
	}
	now := time.Now()
	if i.FirstDetectedAt.IsZero() {
		i.FirstDetectedAt = now
	}
	if i.LastUpdatedAt.IsZero() {
		i.LastUpdatedAt = now
	}
	return nil
}

// IsOpen returns true while the incident counts against the per-service open limit
func (i *Incident) IsOpen() bool {
	return i.Status == IncidentStatusOpen || i.Status == IncidentStatusInvestigating
}

func (Incident) TableName() string {
	return "incidents"
}

// IncidentLog is an immutable log entry belonging to exactly one incident.
// Logs are created only by the monitor loop, the store's status-change path,
// and the analysis audit trail.
type IncidentLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	IncidentID uint      `gorm:"not null;index" json:"incident_id"`
	Message    string    `gorm:"type:text;not null" json:"message"`
	Level      LogLevel  `gorm:"type:varchar(16);not null;default:'info'" json:"level"`
	CreatedAt  time.Time `json:"created_at"`
}

func (IncidentLog) TableName() string {
	return "incident_logs"
}

// SlackSettings stores Slack notification configuration
type SlackSettings struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BotToken  string    `gorm:"type:text" json:"bot_token"`
	Channel   string    `gorm:"type:varchar(255)" json:"channel"`
	Enabled   bool      `gorm:"default:false" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive returns true if Slack notifications are enabled and configured
func (s *SlackSettings) IsActive() bool {
	return s.Enabled && s.BotToken != "" && s.Channel != ""
}

func (SlackSettings) TableName() string {
	return "slack_settings"
}
