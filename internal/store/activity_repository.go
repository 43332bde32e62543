package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

// ActivityRepository persists lifecycle activity entries
type ActivityRepository struct {
	db *gorm.DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Record appends an entry and assigns its id
func (r *ActivityRepository) Record(ctx context.Context, e *models.ActivityEntry) error {
	m := ActivityModel{
		TenantID:  e.TenantID,
		SessionID: e.SessionID,
		Kind:      string(e.Kind),
		Success:   e.Success,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return wrap("record activity", err)
	}
	e.ID = m.ID
	return nil
}

// List returns recent entries newest first, optionally for one tenant
func (r *ActivityRepository) List(ctx context.Context, tenantID string, limit int) ([]*models.ActivityEntry, error) {
	q := r.db.WithContext(ctx).Order("id DESC")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []ActivityModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap("list activity", err)
	}

	entries := make([]*models.ActivityEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].ToEntity()
	}
	return entries, nil
}
