package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

// QuotaRepository persists quota accounts and their usage log
type QuotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository creates a new quota repository
func NewQuotaRepository(db *gorm.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// Create inserts a new account. An existing account returns ErrConflict.
func (r *QuotaRepository) Create(ctx context.Context, a *models.QuotaAccount) error {
	return wrap("create quota account", r.db.WithContext(ctx).Create(QuotaAccountModelFromEntity(a)).Error)
}

// Find retrieves a tenant's account
func (r *QuotaRepository) Find(ctx context.Context, tenantID string) (*models.QuotaAccount, error) {
	var m QuotaAccountModel
	if err := r.db.WithContext(ctx).First(&m, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, wrap("find quota account", err)
	}
	return m.ToEntity(), nil
}

// cappedOnReset keeps the day being closed when it ended at the cap. The
// right hand side sees the row as it was before the update.
const cappedOnReset = "CASE WHEN daily_usage >= daily_quota THEN last_reset_date ELSE capped_on END"

// Reset zeroes usage and applies quota for today, but only if the stored
// reset date is older than today. A day that ended at the cap is recorded in
// capped_on. It reports whether this call performed the reset.
func (r *QuotaRepository) Reset(ctx context.Context, tenantID, today string, quota int, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&QuotaAccountModel{}).
		Where("tenant_id = ? AND last_reset_date < ?", tenantID, today).
		Updates(map[string]any{
			"capped_on":       gorm.Expr(cappedOnReset),
			"daily_usage":     0,
			"daily_quota":     quota,
			"last_reset_date": today,
			"updated_at":      at,
		})
	if res.Error != nil {
		return false, wrap("reset quota account", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Consume increments usage by amount and appends a usage log entry in one
// transaction. The increment only applies while the account is on today's
// reset date and amount still fits the quota; otherwise nothing is written
// and ok is false.
func (r *QuotaRepository) Consume(ctx context.Context, tenantID, today string, amount int, action string, at time.Time) (entry *models.UsageLogEntry, ok bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&QuotaAccountModel{}).
			Where("tenant_id = ? AND last_reset_date = ? AND daily_usage + ? <= daily_quota", tenantID, today, amount).
			Updates(map[string]any{
				"daily_usage": gorm.Expr("daily_usage + ?", amount),
				"updated_at":  at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var account QuotaAccountModel
		if err := tx.First(&account, "tenant_id = ?", tenantID).Error; err != nil {
			return err
		}

		log := UsageLogModel{
			TenantID:       tenantID,
			ActionType:     action,
			Amount:         amount,
			RemainingAfter: account.DailyQuota - account.DailyUsage,
			Timestamp:      at,
		}
		if err := tx.Create(&log).Error; err != nil {
			return err
		}

		entry = log.ToEntity()
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, wrap("consume quota", err)
	}
	return entry, ok, nil
}

// SetPlan changes the tenant's plan tier. The quota follows at the next reset.
func (r *QuotaRepository) SetPlan(ctx context.Context, tenantID string, tier models.PlanTier, at time.Time) error {
	return r.updateAccount(ctx, "set plan", tenantID, map[string]any{
		"plan_tier":  string(tier),
		"updated_at": at,
	})
}

// SetAutoRestart changes the tenant's auto-restart preference
func (r *QuotaRepository) SetAutoRestart(ctx context.Context, tenantID string, enabled bool, at time.Time) error {
	return r.updateAccount(ctx, "set auto restart", tenantID, map[string]any{
		"auto_restart": enabled,
		"updated_at":   at,
	})
}

// ClearCapped acknowledges the recorded capped day
func (r *QuotaRepository) ClearCapped(ctx context.Context, tenantID string, at time.Time) error {
	return r.updateAccount(ctx, "clear capped day", tenantID, map[string]any{
		"capped_on":  "",
		"updated_at": at,
	})
}

func (r *QuotaRepository) updateAccount(ctx context.Context, op, tenantID string, values map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&QuotaAccountModel{}).
		Where("tenant_id = ?", tenantID).
		Updates(values)
	if res.Error != nil {
		return wrap(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap(op, gorm.ErrRecordNotFound)
	}
	return nil
}

// FindCappedAutoRestart returns accounts that opted into auto-restart and
// either still hold a capped day or had one recorded by a reset
func (r *QuotaRepository) FindCappedAutoRestart(ctx context.Context) ([]*models.QuotaAccount, error) {
	var rows []QuotaAccountModel
	err := r.db.WithContext(ctx).
		Where("auto_restart = ? AND (daily_usage >= daily_quota OR capped_on <> '')", true).
		Order("tenant_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrap("find capped accounts", err)
	}

	accounts := make([]*models.QuotaAccount, len(rows))
	for i := range rows {
		accounts[i] = rows[i].ToEntity()
	}
	return accounts, nil
}

// ListUsage returns a tenant's usage log oldest first. A limit of zero returns every entry.
func (r *QuotaRepository) ListUsage(ctx context.Context, tenantID string, limit int) ([]*models.UsageLogEntry, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []UsageLogModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap("list usage", err)
	}

	entries := make([]*models.UsageLogEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].ToEntity()
	}
	return entries, nil
}
