package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/applyx/internal/store"
	"github.com/shehryarbajwa/applyx/internal/store/storetest"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

var day1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, repo *store.QuotaRepository) (*Ledger, *quartz.Mock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	mClock.Set(day1).MustWait(ctx)
	return NewLedger(repo, Options{Clock: mClock}), mClock
}

func setDay(t *testing.T, mClock *quartz.Mock, at time.Time) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mClock.Set(at).MustWait(ctx)
}

func TestLedger_SequentialConsume(t *testing.T) {
	db := storetest.New(t)
	repo := store.NewQuotaRepository(db.DB)
	ledger, _ := newTestLedger(t, repo)
	ctx := context.Background()

	_, err := ledger.EnsureAccount(ctx, "alice", models.PlanFree)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		ok, err := ledger.Consume(ctx, "alice", 1, "work_unit")
		require.NoError(t, err)
		require.True(t, ok, "consume %d", i+1)
	}

	ok, err := ledger.Consume(ctx, "alice", 1, "work_unit")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := ledger.UsageLog(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, 9-i, e.RemainingAfter)
		assert.Equal(t, "work_unit", e.ActionType)
	}

	status, err := ledger.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10, status.DailyUsage)
	assert.Equal(t, 0, status.Remaining)
}

func TestLedger_ConcurrentConsumeNeverOverAdmits(t *testing.T) {
	db := storetest.New(t)
	repo := store.NewQuotaRepository(db.DB)
	ledger, mClock := newTestLedger(t, repo)
	// A second ledger over the same database stands in for another process
	other := NewLedger(repo, Options{Clock: mClock})
	ctx := context.Background()

	_, err := ledger.EnsureAccount(ctx, "alice", models.PlanFree)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 40; i++ {
		l := ledger
		if i%2 == 1 {
			l = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Consume(ctx, "alice", 1, "work_unit")
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), granted.Load())

	usage, quota, err := ledger.CheckAndReset(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10, usage)
	assert.Equal(t, 10, quota)

	entries, err := ledger.UsageLog(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestLedger_DailyReset(t *testing.T) {
	db := storetest.New(t)
	repo := store.NewQuotaRepository(db.DB)
	ledger, mClock := newTestLedger(t, repo)
	ctx := context.Background()

	_, err := ledger.EnsureAccount(ctx, "alice", models.PlanFree)
	require.NoError(t, err)
	ok, err := ledger.Consume(ctx, "alice", 10, "bulk")
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("plan change waits for the next reset", func(t *testing.T) {
		require.NoError(t, ledger.SetPlan(ctx, "alice", "pro"))

		status, err := ledger.Status(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 10, status.DailyQuota)
		assert.Equal(t, models.PlanPro, status.PlanTier)
	})

	t.Run("first observation on a new day resets once", func(t *testing.T) {
		setDay(t, mClock, day1.Add(24*time.Hour))

		usage, quota, err := ledger.CheckAndReset(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, usage)
		assert.Equal(t, 200, quota)

		ok, err := ledger.Consume(ctx, "alice", 5, "work_unit")
		require.NoError(t, err)
		require.True(t, ok)

		// A later check on the same day must not reset again
		usage, _, err = ledger.CheckAndReset(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 5, usage)
	})

	t.Run("concurrent observers of the boundary agree on one reset", func(t *testing.T) {
		setDay(t, mClock, day1.Add(48*time.Hour))
		other := NewLedger(repo, Options{Clock: mClock})

		var wg sync.WaitGroup
		for _, l := range []*Ledger{ledger, other, ledger, other} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := l.Consume(ctx, "alice", 1, "work_unit")
				assert.NoError(t, err)
				assert.True(t, ok)
			}()
		}
		wg.Wait()

		usage, _, err := ledger.CheckAndReset(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 4, usage)
	})
}

func TestLedger_Location(t *testing.T) {
	db := storetest.New(t)
	repo := store.NewQuotaRepository(db.DB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	mClock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)).MustWait(ctx)
	ledger := NewLedger(repo, Options{Clock: mClock, Location: time.FixedZone("UTC-5", -5*3600)})

	_, err := ledger.EnsureAccount(ctx, "alice", models.PlanFree)
	require.NoError(t, err)
	ok, err := ledger.Consume(ctx, "alice", 3, "work_unit")
	require.NoError(t, err)
	require.True(t, ok)

	// 02:00 UTC on the 2nd is still the 1st five hours behind
	mClock.Set(time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)).MustWait(ctx)
	usage, _, err := ledger.CheckAndReset(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, usage)

	mClock.Set(time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)).MustWait(ctx)
	usage, _, err = ledger.CheckAndReset(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, usage)
	assert.Equal(t, "2026-03-02", ledger.Today())
}

func TestLedger_ConsumeUpTo(t *testing.T) {
	db := storetest.New(t)
	ledger, _ := newTestLedger(t, store.NewQuotaRepository(db.DB))
	ctx := context.Background()

	_, err := ledger.EnsureAccount(ctx, "alice", models.PlanFree)
	require.NoError(t, err)

	consumed, remaining, err := ledger.ConsumeUpTo(ctx, "alice", 7, "work_unit")
	require.NoError(t, err)
	assert.Equal(t, 7, consumed)
	assert.Equal(t, 3, remaining)

	consumed, remaining, err = ledger.ConsumeUpTo(ctx, "alice", 7, "work_unit")
	require.NoError(t, err)
	assert.Equal(t, 3, consumed)
	assert.Equal(t, 0, remaining)

	consumed, _, err = ledger.ConsumeUpTo(ctx, "alice", 1, "work_unit")
	require.NoError(t, err)
	assert.Equal(t, 0, consumed)
}

func TestLedger_Errors(t *testing.T) {
	db := storetest.New(t)
	ledger, _ := newTestLedger(t, store.NewQuotaRepository(db.DB))
	ctx := context.Background()

	t.Run("missing tenant is a typed result", func(t *testing.T) {
		ok, err := ledger.CanConsume(ctx, "ghost", 1)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrAccountNotFound)

		_, err = ledger.Status(ctx, "ghost")
		assert.ErrorIs(t, err, ErrAccountNotFound)

		err = ledger.SetAutoRestart(ctx, "ghost", true)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("non positive amount", func(t *testing.T) {
		_, err := ledger.Consume(ctx, "alice", 0, "x")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown plan", func(t *testing.T) {
		err := ledger.SetPlan(ctx, "alice", "platinum")
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})

	t.Run("ensure is idempotent", func(t *testing.T) {
		a, err := ledger.EnsureAccount(ctx, "dave", models.PlanBasic)
		require.NoError(t, err)
		assert.Equal(t, 50, a.DailyQuota)

		a, err = ledger.EnsureAccount(ctx, "dave", models.PlanPro)
		require.NoError(t, err)
		assert.Equal(t, models.PlanBasic, a.PlanTier)
	})
}

func TestLedger_CappedAutoRestartTenants(t *testing.T) {
	db := storetest.New(t)
	ledger, mClock := newTestLedger(t, store.NewQuotaRepository(db.DB))
	ctx := context.Background()

	for _, tenant := range []string{"alice", "bob", "carol"} {
		_, err := ledger.EnsureAccount(ctx, tenant, models.PlanFree)
		require.NoError(t, err)
	}
	require.NoError(t, ledger.SetAutoRestart(ctx, "alice", true))
	require.NoError(t, ledger.SetAutoRestart(ctx, "bob", true))

	for _, tenant := range []string{"alice", "carol"} {
		ok, err := ledger.Consume(ctx, tenant, 10, "bulk")
		require.NoError(t, err)
		require.True(t, ok)
	}

	// The next day the stored counters still describe the day that ended
	setDay(t, mClock, day1.Add(24*time.Hour))

	tenants, err := ledger.CappedAutoRestartTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, tenants)

	// a read before the restart resets the counters but keeps alice eligible
	setDay(t, mClock, day1.Add(24*time.Hour+30*time.Minute))
	status, err := ledger.Status(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 0, status.DailyUsage)

	tenants, err = ledger.CappedAutoRestartTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, tenants)

	require.NoError(t, ledger.ClearCapped(ctx, "alice"))
	tenants, err = ledger.CappedAutoRestartTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)

	assert.ErrorIs(t, ledger.ClearCapped(ctx, "nobody"), ErrAccountNotFound)
}

func TestLedger_FailsClosed(t *testing.T) {
	quotaColumns := []string{"tenant_id", "daily_usage", "daily_quota", "last_reset_date", "plan_tier", "auto_restart", "updated_at"}

	t.Run("read failure refuses admission", func(t *testing.T) {
		db, mock := storetest.NewMock(t)
		ledger, _ := newTestLedger(t, store.NewQuotaRepository(db.DB))

		mock.ExpectQuery(`SELECT \* FROM "quota_accounts"`).WillReturnError(errors.New("connection refused"))

		ok, err := ledger.CanConsume(context.Background(), "alice", 1)
		assert.False(t, ok)
		assert.ErrorIs(t, err, store.ErrPersistence)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write failure is not treated as success", func(t *testing.T) {
		db, mock := storetest.NewMock(t)
		ledger, _ := newTestLedger(t, store.NewQuotaRepository(db.DB))

		mock.ExpectQuery(`SELECT \* FROM "quota_accounts"`).
			WillReturnRows(sqlmock.NewRows(quotaColumns).AddRow("alice", 0, 10, "2026-03-01", "free", false, day1))
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "quota_accounts"`).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		ok, err := ledger.Consume(context.Background(), "alice", 1, "work_unit")
		assert.False(t, ok)
		assert.ErrorIs(t, err, store.ErrPersistence)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPlans(t *testing.T) {
	plans := PlansFromConfig(map[string]int{"basic": 75, "enterprise": 5000, "pro": 0})

	assert.Equal(t, 10, plans.QuotaFor(models.PlanFree))
	assert.Equal(t, 75, plans.QuotaFor(models.PlanBasic))
	assert.Equal(t, 200, plans.QuotaFor(models.PlanPro))
	assert.Equal(t, 10, plans.QuotaFor("enterprise"))
}
