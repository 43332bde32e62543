package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/applyx/internal/metrics"
	"github.com/shehryarbajwa/applyx/internal/store"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

const dateLayout = "2006-01-02"

// Ledger tracks each tenant's daily usage against its plan allowance.
//
// All work for one tenant is serialized by a per-tenant mutex, and every
// storage write is conditional on the row still holding the state that was
// read, so several processes sharing one database agree on resets and never
// over-admit.
type Ledger struct {
	repo    *store.QuotaRepository
	plans   Plans
	clock   quartz.Clock
	loc     *time.Location
	logger  *zap.Logger
	metrics *metrics.Metrics

	locks sync.Map // tenant id -> *sync.Mutex
}

// Options configures a Ledger. Zero values select defaults.
type Options struct {
	Plans    Plans
	Clock    quartz.Clock
	Location *time.Location
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewLedger creates a ledger over repo
func NewLedger(repo *store.QuotaRepository, opts Options) *Ledger {
	if opts.Plans == nil {
		opts.Plans = DefaultPlans()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ledger{
		repo:    repo,
		plans:   opts.Plans,
		clock:   opts.Clock,
		loc:     opts.Location,
		logger:  opts.Logger.Named("quota"),
		metrics: opts.Metrics,
	}
}

func (l *Ledger) lock(tenantID string) func() {
	v, _ := l.locks.LoadOrStore(tenantID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (l *Ledger) now() time.Time {
	return l.clock.Now("quota", "now").In(l.loc)
}

// Today returns the ledger's current calendar date
func (l *Ledger) Today() string {
	return l.now().Format(dateLayout)
}

// checkAndReset loads the account and applies the daily reset when its
// reset date is behind today. The caller must hold the tenant lock.
func (l *Ledger) checkAndReset(ctx context.Context, tenantID string) (*models.QuotaAccount, error) {
	account, err := l.repo.Find(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, tenantID)
	}
	if err != nil {
		return nil, err
	}

	now := l.now()
	today := now.Format(dateLayout)
	if account.LastResetDate >= today {
		return account, nil
	}

	quota := l.plans.QuotaFor(account.PlanTier)
	reset, err := l.repo.Reset(ctx, tenantID, today, quota, now)
	if err != nil {
		return nil, err
	}
	if !reset {
		// Another process reset first; its values are authoritative
		return l.repo.Find(ctx, tenantID)
	}

	l.logger.Info("daily quota reset",
		zap.String("tenant_id", tenantID),
		zap.String("plan_tier", string(account.PlanTier)),
		zap.Int("daily_quota", quota),
		zap.Int("previous_usage", account.DailyUsage),
	)
	if account.DailyUsage >= account.DailyQuota {
		account.CappedOn = account.LastResetDate
	}
	account.DailyUsage = 0
	account.DailyQuota = quota
	account.LastResetDate = today
	account.UpdatedAt = now
	return account, nil
}

// CheckAndReset applies the daily reset if due and returns the current counters
func (l *Ledger) CheckAndReset(ctx context.Context, tenantID string) (usage, quota int, err error) {
	unlock := l.lock(tenantID)
	defer unlock()

	account, err := l.checkAndReset(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}
	return account.DailyUsage, account.DailyQuota, nil
}

// CanConsume reports whether amount fits today's remaining allowance.
// Storage failures report false with the error.
func (l *Ledger) CanConsume(ctx context.Context, tenantID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	unlock := l.lock(tenantID)
	defer unlock()

	account, err := l.checkAndReset(ctx, tenantID)
	if err != nil {
		l.metrics.QuotaDecision("check", metrics.DecisionError)
		return false, err
	}

	ok := account.DailyUsage+amount <= account.DailyQuota
	l.metrics.QuotaDecision("check", decision(ok))
	return ok, nil
}

// Consume charges amount against today's allowance and appends a usage log
// entry. When the allowance is insufficient it returns false and writes nothing.
// Storage failures report false with the error.
func (l *Ledger) Consume(ctx context.Context, tenantID string, amount int, action string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	unlock := l.lock(tenantID)
	defer unlock()

	_, ok, err := l.consume(ctx, tenantID, amount, action)
	return ok, err
}

// ConsumeUpTo charges at most amount, clamped to the remaining allowance.
// It returns how much was charged and the allowance left afterwards.
func (l *Ledger) ConsumeUpTo(ctx context.Context, tenantID string, amount int, action string) (consumed, remaining int, err error) {
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}

	unlock := l.lock(tenantID)
	defer unlock()

	account, err := l.checkAndReset(ctx, tenantID)
	if err != nil {
		l.metrics.QuotaDecision("consume", metrics.DecisionError)
		return 0, 0, err
	}

	n := min(amount, account.Remaining())
	if n == 0 {
		l.metrics.QuotaDecision("consume", metrics.DecisionRefused)
		return 0, 0, nil
	}

	entry, ok, err := l.consume(ctx, tenantID, n, action)
	if err != nil || !ok {
		return 0, 0, err
	}
	return n, entry.RemainingAfter, nil
}

// consume re-validates and charges amount. The caller must hold the tenant lock.
func (l *Ledger) consume(ctx context.Context, tenantID string, amount int, action string) (*models.UsageLogEntry, bool, error) {
	account, err := l.checkAndReset(ctx, tenantID)
	if err != nil {
		l.metrics.QuotaDecision("consume", metrics.DecisionError)
		return nil, false, err
	}
	if account.DailyUsage+amount > account.DailyQuota {
		l.metrics.QuotaDecision("consume", metrics.DecisionRefused)
		return nil, false, nil
	}

	entry, ok, err := l.repo.Consume(ctx, tenantID, account.LastResetDate, amount, action, l.now())
	if err != nil {
		l.metrics.QuotaDecision("consume", metrics.DecisionError)
		l.logger.Error("quota consume failed",
			zap.String("tenant_id", tenantID),
			zap.Int("amount", amount),
			zap.Error(err),
		)
		return nil, false, err
	}
	l.metrics.QuotaDecision("consume", decision(ok))
	return entry, ok, nil
}

// Status returns the tenant's counters after applying any due reset
func (l *Ledger) Status(ctx context.Context, tenantID string) (models.QuotaStatus, error) {
	unlock := l.lock(tenantID)
	defer unlock()

	account, err := l.checkAndReset(ctx, tenantID)
	if err != nil {
		return models.QuotaStatus{}, err
	}
	return models.QuotaStatus{
		TenantID:      account.TenantID,
		DailyUsage:    account.DailyUsage,
		DailyQuota:    account.DailyQuota,
		Remaining:     account.Remaining(),
		PlanTier:      account.PlanTier,
		LastResetDate: account.LastResetDate,
		AutoRestart:   account.AutoRestart,
	}, nil
}

// EnsureAccount creates an account on tier for tenantID unless one already exists
func (l *Ledger) EnsureAccount(ctx context.Context, tenantID string, tier models.PlanTier) (*models.QuotaAccount, error) {
	unlock := l.lock(tenantID)
	defer unlock()

	account, err := l.checkAndReset(ctx, tenantID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := l.now()
	account = &models.QuotaAccount{
		TenantID:      tenantID,
		DailyQuota:    l.plans.QuotaFor(tier),
		LastResetDate: now.Format(dateLayout),
		PlanTier:      tier,
		UpdatedAt:     now,
	}
	if err := l.repo.Create(ctx, account); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return l.repo.Find(ctx, tenantID)
		}
		return nil, err
	}

	l.logger.Info("quota account created",
		zap.String("tenant_id", tenantID),
		zap.String("plan_tier", string(tier)),
	)
	return account, nil
}

// SetPlan changes the tenant's tier. The new allowance applies from the next reset.
func (l *Ledger) SetPlan(ctx context.Context, tenantID, tier string) error {
	plan, ok := models.ParsePlanTier(tier)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPlan, tier)
	}

	unlock := l.lock(tenantID)
	defer unlock()

	return l.notFound(tenantID, l.repo.SetPlan(ctx, tenantID, plan, l.now()))
}

// SetAutoRestart records whether the tenant's session is restarted after the daily reset
func (l *Ledger) SetAutoRestart(ctx context.Context, tenantID string, enabled bool) error {
	unlock := l.lock(tenantID)
	defer unlock()

	return l.notFound(tenantID, l.repo.SetAutoRestart(ctx, tenantID, enabled, l.now()))
}

// CappedAutoRestartTenants lists tenants with auto-restart enabled whose
// stored usage reached their stored quota, or whose capped day was closed by
// a reset that no restart has acknowledged yet. Accounts are not reset here.
func (l *Ledger) CappedAutoRestartTenants(ctx context.Context) ([]string, error) {
	accounts, err := l.repo.FindCappedAutoRestart(ctx)
	if err != nil {
		return nil, err
	}
	tenants := make([]string, len(accounts))
	for i, a := range accounts {
		tenants[i] = a.TenantID
	}
	return tenants, nil
}

// ClearCapped acknowledges a tenant's capped day once it has been restarted
func (l *Ledger) ClearCapped(ctx context.Context, tenantID string) error {
	unlock := l.lock(tenantID)
	defer unlock()

	return l.notFound(tenantID, l.repo.ClearCapped(ctx, tenantID, l.now()))
}

// UsageLog returns the tenant's consumption history oldest first
func (l *Ledger) UsageLog(ctx context.Context, tenantID string, limit int) ([]*models.UsageLogEntry, error) {
	return l.repo.ListUsage(ctx, tenantID, limit)
}

func (l *Ledger) notFound(tenantID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, tenantID)
	}
	return err
}

func decision(ok bool) string {
	if ok {
		return metrics.DecisionAllowed
	}
	return metrics.DecisionRefused
}
