package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

// SessionRepository persists session rows. Rows are never deleted.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session. A second active row for the same tenant
// returns ErrConflict.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	return wrap("create session", r.db.WithContext(ctx).Create(SessionModelFromEntity(s)).Error)
}

// FindByID retrieves a session by its id
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	var m SessionModel
	if err := r.db.WithContext(ctx).First(&m, "session_id = ?", id).Error; err != nil {
		return nil, wrap("find session", err)
	}
	return m.ToEntity(), nil
}

// FindActiveByTenant retrieves the tenant's active session
func (r *SessionRepository) FindActiveByTenant(ctx context.Context, tenantID string) (*models.Session, error) {
	var m SessionModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		First(&m).Error
	if err != nil {
		return nil, wrap("find active session", err)
	}
	return m.ToEntity(), nil
}

// FindLatestByTenant retrieves the tenant's most recently started session, active or not
func (r *SessionRepository) FindLatestByTenant(ctx context.Context, tenantID string) (*models.Session, error) {
	var m SessionModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("started_at DESC").
		First(&m).Error
	if err != nil {
		return nil, wrap("find latest session", err)
	}
	return m.ToEntity(), nil
}

// FindRecoverable returns sessions left running by a previous process,
// newest first within each tenant
func (r *SessionRepository) FindRecoverable(ctx context.Context) ([]*models.Session, error) {
	var rows []SessionModel
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND status = ?", true, string(models.StatusRunning)).
		Order("tenant_id ASC").
		Order("started_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrap("find recoverable sessions", err)
	}
	return toSessions(rows), nil
}

// List returns sessions matching filter, newest first
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	q := r.db.WithContext(ctx).Model(&SessionModel{})
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []SessionModel
	if err := q.Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, wrap("list sessions", err)
	}
	return toSessions(rows), nil
}

// UpdateHeartbeat records liveness and progress for an active session.
// It reports false when the session is no longer active.
func (r *SessionRepository) UpdateHeartbeat(ctx context.Context, id string, units int, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("session_id = ? AND is_active = ?", id, true).
		Updates(map[string]any{
			"work_units_completed": units,
			"last_heartbeat":       at,
		})
	if res.Error != nil {
		return false, wrap("update heartbeat", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Finish moves an active session to a terminal status and clears is_active.
// It reports false when the session was already inactive.
func (r *SessionRepository) Finish(ctx context.Context, id string, status models.SessionStatus, reason string, units int, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("session_id = ? AND is_active = ?", id, true).
		Updates(map[string]any{
			"status":               string(status),
			"is_active":            false,
			"failure_reason":       reason,
			"work_units_completed": units,
			"stopped_at":           at,
			"last_heartbeat":       at,
		})
	if res.Error != nil {
		return false, wrap("finish session", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Resume persists a recovered session's new status, restart count and worker handle
func (r *SessionRepository) Resume(ctx context.Context, s *models.Session) error {
	res := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("session_id = ? AND is_active = ?", s.ID, true).
		Updates(map[string]any{
			"status":         string(s.Status),
			"restart_count":  s.RestartCount,
			"worker_handle":  encodeHandle(s.WorkerHandle),
			"last_heartbeat": s.LastHeartbeat,
		})
	if res.Error != nil {
		return wrap("resume session", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap("resume session", gorm.ErrRecordNotFound)
	}
	return nil
}

func toSessions(rows []SessionModel) []*models.Session {
	sessions := make([]*models.Session, len(rows))
	for i := range rows {
		sessions[i] = rows[i].ToEntity()
	}
	return sessions
}
