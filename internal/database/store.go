package database

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Sentinel errors surfaced to API callers.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflicting state")
)

// Timeline event kinds written by the store and the monitor loop.
const (
	EventIncidentDetected = "incident_detected"
	EventStatusChanged    = "status_changed"
	EventIncidentClosed   = "incident_closed"
	EventAutoResolved     = "incident_auto_resolved"
	EventActionApproved   = "action_approved"
	EventAnalysisRecorded = "analysis_recorded"
)

// IncidentStore owns all incident and log mutation. Read-modify-write on a
// single incident is serialized through a per-incident lock, and incident
// creation for a service runs inside that service's lock, so two concurrent
// writers can never both pass the no-open-incident check.
type IncidentStore struct {
	db *gorm.DB

	mu       sync.Mutex
	svcLocks map[uint]*sync.Mutex
	incLocks map[string]*sync.Mutex
}

// NewIncidentStore creates a store on top of an open gorm connection
func NewIncidentStore(db *gorm.DB) *IncidentStore {
	return &IncidentStore{
		db:       db,
		svcLocks: make(map[uint]*sync.Mutex),
		incLocks: make(map[string]*sync.Mutex),
	}
}

// DB exposes the underlying connection for read-only queries
func (s *IncidentStore) DB() *gorm.DB {
	return s.db
}

func (s *IncidentStore) serviceLock(serviceID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.svcLocks[serviceID]
	if !ok {
		l = &sync.Mutex{}
		s.svcLocks[serviceID] = l
	}
	return l
}

func (s *IncidentStore) incidentLock(uuid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.incLocks[uuid]
	if !ok {
		l = &sync.Mutex{}
		s.incLocks[uuid] = l
	}
	return l
}

// WithServiceLock runs fn inside the critical section for one service's
// incident record. CreateIncident takes this lock itself, so fn must not
// create incidents for the same service.
func (s *IncidentStore) WithServiceLock(serviceID uint, fn func() error) error {
	l := s.serviceLock(serviceID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// ========== Monitored services ==========

// ListServices returns monitored services, optionally only enabled ones
func (s *IncidentStore) ListServices(enabledOnly bool) ([]MonitoredService, error) {
	var services []MonitoredService
	q := s.db.Order("id asc")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	if err := q.Find(&services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

// GetService retrieves a monitored service by ID
func (s *IncidentStore) GetService(id uint) (*MonitoredService, error) {
	var svc MonitoredService
	if err := s.db.First(&svc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &svc, nil
}

// CreateService registers a new monitored service
func (s *IncidentStore) CreateService(svc *MonitoredService) error {
	if svc.Name == "" || svc.BaseURL == "" {
		return fmt.Errorf("%w: service name and base_url are required", ErrInvalidInput)
	}
	return s.db.Create(svc).Error
}

// UpdateService applies a partial update to a monitored service
func (s *IncidentStore) UpdateService(id uint, updates map[string]interface{}) (*MonitoredService, error) {
	svc, err := s.GetService(id)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(svc).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetService(id)
}

// DeleteService removes a monitored service. Incidents referencing it are
// kept; the denormalized service name stays readable on them.
func (s *IncidentStore) DeleteService(id uint) error {
	res := s.db.Delete(&MonitoredService{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ========== Incident queries ==========

// IncidentFilter selects incidents for FindIncidents
type IncidentFilter struct {
	Statuses      []IncidentStatus
	ServiceID     *uint
	Category      Category
	Severity      Severity
	ExcludeUUID   string
	ResolvedAfter *time.Time
	OrderBy       string // defaults to "created_at desc"
	Limit         int
	Offset        int
}

// FindIncidents returns incidents matching the filter
func (s *IncidentStore) FindIncidents(filter IncidentFilter) ([]Incident, error) {
	q := s.db.Model(&Incident{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.ServiceID != nil {
		q = q.Where("service_id = ?", *filter.ServiceID)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.ExcludeUUID != "" {
		q = q.Where("uuid <> ?", filter.ExcludeUUID)
	}
	if filter.ResolvedAfter != nil {
		q = q.Where("resolved_at >= ?", *filter.ResolvedAfter)
	}
	order := filter.OrderBy
	if order == "" {
		order = "created_at desc"
	}
	q = q.Order(order)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var incidents []Incident
	if err := q.Find(&incidents).Error; err != nil {
		return nil, err
	}
	return incidents, nil
}

// CountIncidents returns the number of incidents matching the filter
func (s *IncidentStore) CountIncidents(filter IncidentFilter) (int64, error) {
	q := s.db.Model(&Incident{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.ServiceID != nil {
		q = q.Where("service_id = ?", *filter.ServiceID)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}

// GetIncidentByUUID retrieves an incident by its public id
func (s *IncidentStore) GetIncidentByUUID(uuid string) (*Incident, error) {
	var incident Incident
	if err := s.db.Where("uuid = ?", uuid).First(&incident).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &incident, nil
}

// FindOpenIncidentForService returns the open or investigating incident for a
// service, or nil if none exists.
func (s *IncidentStore) FindOpenIncidentForService(serviceID uint) (*Incident, error) {
	var incident Incident
	err := s.db.Where("service_id = ? AND status IN ?", serviceID, OpenStatuses()).
		Order("created_at desc").First(&incident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

// ========== Incident mutation ==========

// CreateIncident persists a new incident with its initial timeline event and
// an initial log entry at the given level. An incident bound to a service is
// created inside that service's critical section: if the service already has
// an incident in {open, investigating} the creation fails with ErrConflict,
// regardless of whether the caller is the monitor loop or an engineer.
func (s *IncidentStore) CreateIncident(incident *Incident, detail string, logLevel LogLevel) error {
	if incident.ServiceID == nil {
		return s.createIncident(incident, detail, logLevel)
	}
	return s.WithServiceLock(*incident.ServiceID, func() error {
		existing, err := s.FindOpenIncidentForService(*incident.ServiceID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: service already has incident %s in status %s", ErrConflict, existing.UUID, existing.Status)
		}
		return s.createIncident(incident, detail, logLevel)
	})
}

func (s *IncidentStore) createIncident(incident *Incident, detail string, logLevel LogLevel) error {
	if incident.Title == "" {
		return fmt.Errorf("%w: incident title is required", ErrInvalidInput)
	}
	if incident.Status == "" {
		incident.Status = IncidentStatusOpen
	}
	now := time.Now()
	incident.Timeline = Timeline{{
		Timestamp: now,
		Event:     EventIncidentDetected,
		Status:    incident.Status,
		Actor:     actorForSource(incident.Source),
		Details:   detail,
	}}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(incident).Error; err != nil {
			return err
		}
		return appendLogTx(tx, incident, detail, logLevel)
	})
}

func actorForSource(source IncidentSource) Actor {
	if source == IncidentSourceEngineer {
		return ActorEngineer
	}
	return ActorSystem
}

// AppendLog writes an immutable log entry and bumps the incident's counters.
// Counter columns only ever increase here; there is no reset path.
func (s *IncidentStore) AppendLog(incidentUUID, message string, level LogLevel) (*IncidentLog, error) {
	l := s.incidentLock(incidentUUID)
	l.Lock()
	defer l.Unlock()

	incident, err := s.GetIncidentByUUID(incidentUUID)
	if err != nil {
		return nil, err
	}

	var entry *IncidentLog
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = appendLogEntryTx(tx, incident, message, level)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func appendLogTx(tx *gorm.DB, incident *Incident, message string, level LogLevel) error {
	_, err := appendLogEntryTx(tx, incident, message, level)
	return err
}

func appendLogEntryTx(tx *gorm.DB, incident *Incident, message string, level LogLevel) (*IncidentLog, error) {
	entry := &IncidentLog{
		IncidentID: incident.ID,
		Message:    message,
		Level:      level,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"log_count":       gorm.Expr("log_count + 1"),
		"last_updated_at": time.Now(),
	}
	if level == LogLevelError {
		updates["error_count"] = gorm.Expr("error_count + 1")
	}
	if err := tx.Model(&Incident{}).Where("id = ?", incident.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// FindLogs returns an incident's logs, newest first, bounded by limit
func (s *IncidentStore) FindLogs(incidentID uint, limit int) ([]IncidentLog, error) {
	var logs []IncidentLog
	q := s.db.Where("incident_id = ?", incidentID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// ChangeStatus transitions an incident and appends the matching timeline
// event and an informational log. Resolution fields are set exactly once,
// on the first transition into a resolved-like status.
func (s *IncidentStore) ChangeStatus(incidentUUID string, newStatus IncidentStatus, actor Actor, details string, resolvedBy ResolvedBy) (*Incident, error) {
	l := s.incidentLock(incidentUUID)
	l.Lock()
	defer l.Unlock()

	incident, err := s.GetIncidentByUUID(incidentUUID)
	if err != nil {
		return nil, err
	}
	if incident.Status == newStatus {
		return incident, nil
	}

	now := time.Now()
	event := EventStatusChanged
	switch newStatus {
	case IncidentStatusClosed:
		event = EventIncidentClosed
	case IncidentStatusAutoResolved:
		event = EventAutoResolved
	}

	timeline := append(incident.Timeline, TimelineEvent{
		Timestamp: now,
		Event:     event,
		Status:    newStatus,
		Actor:     actor,
		Details:   details,
	})

	updates := map[string]interface{}{
		"status":          newStatus,
		"timeline":        timeline,
		"last_updated_at": now,
	}

	if newStatus.IsResolvedLike() && incident.ResolvedAt == nil {
		resolutionSeconds := int64(now.Sub(incident.CreatedAt).Seconds())
		updates["resolved_at"] = now
		updates["resolution_time_seconds"] = resolutionSeconds
		if resolvedBy == "" {
			resolvedBy = ResolvedBySystem
		}
		updates["resolved_by"] = resolvedBy
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Incident{}).Where("id = ?", incident.ID).Updates(updates).Error; err != nil {
			return err
		}
		msg := fmt.Sprintf("Status changed from %s to %s", incident.Status, newStatus)
		if details != "" {
			msg = fmt.Sprintf("%s: %s", msg, details)
		}
		return appendLogTx(tx, incident, msg, LogLevelInfo)
	})
	if err != nil {
		return nil, err
	}

	return s.GetIncidentByUUID(incidentUUID)
}

// CloseOpenIncidents closes every open or investigating incident for a
// service. The monitor runs this before creating a fresh incident so the
// one-open-incident invariant survives repeated failures. Returns the
// incidents that were closed.
func (s *IncidentStore) CloseOpenIncidents(serviceID uint, details string) ([]Incident, error) {
	open, err := s.FindIncidents(IncidentFilter{
		Statuses:  OpenStatuses(),
		ServiceID: &serviceID,
	})
	if err != nil {
		return nil, err
	}

	closed := make([]Incident, 0, len(open))
	for _, inc := range open {
		updated, err := s.ChangeStatus(inc.UUID, IncidentStatusClosed, ActorSystem, details, ResolvedBySystem)
		if err != nil {
			return closed, err
		}
		closed = append(closed, *updated)
	}
	return closed, nil
}

// RecordAnalysis stores the last analysis output on the incident. This is
// bookkeeping, not a state transition: the operational status is untouched.
func (s *IncidentStore) RecordAnalysis(incidentUUID string, analysis *AIAnalysis) (*Incident, error) {
	l := s.incidentLock(incidentUUID)
	l.Lock()
	defer l.Unlock()

	incident, err := s.GetIncidentByUUID(incidentUUID)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"ai_analysis":     analysis,
			"last_updated_at": time.Now(),
		}
		if err := tx.Model(&Incident{}).Where("id = ?", incident.ID).Updates(updates).Error; err != nil {
			return err
		}
		msg := fmt.Sprintf("AI analysis recorded: %s (probability %.2f)", analysis.RootCause, analysis.RootCauseProbability)
		return appendLogTx(tx, incident, msg, LogLevelInfo)
	})
	if err != nil {
		return nil, err
	}
	return s.GetIncidentByUUID(incidentUUID)
}

// ApproveAction records approval of a suggested action in the timeline.
// Execution is out of scope; nothing runs as a result of approval.
func (s *IncidentStore) ApproveAction(incidentUUID string, actionIndex int, actor Actor) (*Incident, error) {
	l := s.incidentLock(incidentUUID)
	l.Lock()
	defer l.Unlock()

	incident, err := s.GetIncidentByUUID(incidentUUID)
	if err != nil {
		return nil, err
	}
	if incident.Analysis == nil || actionIndex < 0 || actionIndex >= len(incident.Analysis.SuggestedActions) {
		return nil, fmt.Errorf("%w: action index %d out of range", ErrInvalidInput, actionIndex)
	}

	now := time.Now()
	action := &incident.Analysis.SuggestedActions[actionIndex]
	if action.ApprovedAt != nil {
		return incident, nil
	}
	action.ApprovedAt = &now

	timeline := append(incident.Timeline, TimelineEvent{
		Timestamp: now,
		Event:     EventActionApproved,
		Status:    incident.Status,
		Actor:     actor,
		Details:   fmt.Sprintf("Approved action %q: %s", action.ActionID, action.Description),
	})

	updates := map[string]interface{}{
		"ai_analysis":     incident.Analysis,
		"timeline":        timeline,
		"last_updated_at": now,
	}
	if err := s.db.Model(&Incident{}).Where("id = ?", incident.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetIncidentByUUID(incidentUUID)
}
