package api

import (
	"github.com/opswatch/opswatch/internal/database"
)

// CreateServiceRequest is the payload for registering a monitored service.
type CreateServiceRequest struct {
	Name       string   `json:"name" validate:"required,min=2,max=100"`
	BaseURL    string   `json:"base_url" validate:"required,url"`
	ProbePaths []string `json:"probe_paths,omitempty" validate:"omitempty,max=8,dive,required"`
	Enabled    *bool    `json:"enabled,omitempty"`
}

// ToService builds a model row from the request. Enabled defaults to true.
func (req *CreateServiceRequest) ToService() *database.MonitoredService {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &database.MonitoredService{
		Name:       req.Name,
		BaseURL:    req.BaseURL,
		ProbePaths: req.ProbePaths,
		Enabled:    enabled,
	}
}

// UpdateServiceRequest is the payload for updating a monitored service.
// Nil fields are left unchanged.
type UpdateServiceRequest struct {
	Name       *string   `json:"name,omitempty" validate:"omitempty,min=2,max=100"`
	BaseURL    *string   `json:"base_url,omitempty" validate:"omitempty,url"`
	ProbePaths *[]string `json:"probe_paths,omitempty" validate:"omitempty,max=8,dive,required"`
	Enabled    *bool     `json:"enabled,omitempty"`
}

// ApplyTo copies the set fields onto an existing service row.
func (req *UpdateServiceRequest) ApplyTo(svc *database.MonitoredService) {
	if req.Name != nil {
		svc.Name = *req.Name
	}
	if req.BaseURL != nil {
		svc.BaseURL = *req.BaseURL
	}
	if req.ProbePaths != nil {
		svc.ProbePaths = *req.ProbePaths
	}
	if req.Enabled != nil {
		svc.Enabled = *req.Enabled
	}
}

// CreateIncidentRequest is the payload for manually reporting an incident.
type CreateIncidentRequest struct {
	Title       string `json:"title" validate:"required,min=3,max=200"`
	Description string `json:"description" validate:"required,min=3"`
	Severity    string `json:"severity,omitempty" validate:"omitempty,oneof=low medium high"`
	Category    string `json:"category,omitempty" validate:"omitempty,oneof=performance database authentication network deployment"`
	ServiceID   *uint  `json:"service_id,omitempty"`
}

// ToIncident builds an engineer-sourced incident from the request.
func (req *CreateIncidentRequest) ToIncident() *database.Incident {
	severity := database.SeverityMedium
	if req.Severity != "" {
		severity = database.Severity(req.Severity)
	}
	category := database.CategoryPerformance
	if req.Category != "" {
		category = database.Category(req.Category)
	}
	return &database.Incident{
		Title:       req.Title,
		Description: req.Description,
		Severity:    severity,
		Category:    category,
		Source:      database.IncidentSourceEngineer,
		Status:      database.IncidentStatusOpen,
		ServiceID:   req.ServiceID,
	}
}

// UpdateStatusRequest is the payload for an incident status transition.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open investigating resolved auto_resolved closed"`
	Detail string `json:"detail,omitempty" validate:"omitempty,max=500"`
}

// SlackSettingsRequest is the payload for updating Slack notification settings.
type SlackSettingsRequest struct {
	BotToken string `json:"bot_token,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}
