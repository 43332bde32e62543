package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/applyx/internal/store"
	"github.com/shehryarbajwa/applyx/internal/store/storetest"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

func newSession(tenant string, started time.Time) *models.Session {
	return &models.Session{
		ID:             uuid.NewString(),
		TenantID:       tenant,
		Status:         models.StatusRunning,
		StartedAt:      started,
		LastHeartbeat:  started,
		WorkUnitTarget: 5,
		ConfigSnapshot: []byte(`{"v":1,"payload":{}}`),
		WorkerHandle:   models.WorkerHandle{ID: "w-" + tenant, ContainerID: "c1"},
		IsActive:       true,
	}
}

func TestSessionRepository_Create(t *testing.T) {
	db := storetest.New(t)
	repo := store.NewSessionRepository(db.DB)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("round trips every field", func(t *testing.T) {
		s := newSession("alice", now)
		require.NoError(t, repo.Create(ctx, s))

		found, err := repo.FindByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", found.TenantID)
		assert.Equal(t, models.StatusRunning, found.Status)
		assert.Equal(t, 5, found.WorkUnitTarget)
		assert.Equal(t, s.ConfigSnapshot, found.ConfigSnapshot)
		assert.Equal(t, s.WorkerHandle, found.WorkerHandle)
		assert.True(t, found.IsActive)
		assert.True(t, found.StartedAt.Equal(now))
	})

	t.Run("second active row for a tenant conflicts", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, newSession("bob", now)))

		err := repo.Create(ctx, newSession("bob", now.Add(time.Minute)))
		assert.ErrorIs(t, err, store.ErrConflict)

		sessions, err := repo.List(ctx, models.SessionFilter{TenantID: "bob"})
		require.NoError(t, err)
		assert.Len(t, sessions, 1)
	})

	t.Run("inactive rows do not conflict", func(t *testing.T) {
		first := newSession("carol", now)
		require.NoError(t, repo.Create(ctx, first))
		ok, err := repo.Finish(ctx, first.ID, models.StatusStopped, "", 2, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, repo.Create(ctx, newSession("carol", now.Add(2*time.Minute))))
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := repo.FindByID(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	db := storetest.New(t)
	repo := store.NewSessionRepository(db.DB)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s := newSession("alice", now)
	require.NoError(t, repo.Create(ctx, s))

	t.Run("heartbeat updates active session", func(t *testing.T) {
		ok, err := repo.UpdateHeartbeat(ctx, s.ID, 3, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		found, err := repo.FindActiveByTenant(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 3, found.WorkUnitsCompleted)
		assert.True(t, found.LastHeartbeat.Equal(now.Add(time.Minute)))
	})

	t.Run("finish clears is_active once", func(t *testing.T) {
		ok, err := repo.Finish(ctx, s.ID, models.StatusFailed, "worker exited", 4, now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Finish(ctx, s.ID, models.StatusStopped, "", 4, now.Add(3*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		found, err := repo.FindByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, found.Status)
		assert.Equal(t, "worker exited", found.FailureReason)
		assert.False(t, found.IsActive)
		require.NotNil(t, found.StoppedAt)
	})

	t.Run("heartbeat after finish is refused", func(t *testing.T) {
		ok, err := repo.UpdateHeartbeat(ctx, s.ID, 9, now.Add(4*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		found, err := repo.FindByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, found.WorkUnitsCompleted)
	})

	t.Run("no active session", func(t *testing.T) {
		_, err := repo.FindActiveByTenant(ctx, "alice")
		assert.ErrorIs(t, err, store.ErrNotFound)

		latest, err := repo.FindLatestByTenant(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, s.ID, latest.ID)
	})
}

func TestSessionRepository_Recoverable(t *testing.T) {
	db := storetest.New(t)
	repo := store.NewSessionRepository(db.DB)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	running := newSession("alice", now)
	stopped := newSession("bob", now)
	require.NoError(t, repo.Create(ctx, running))
	require.NoError(t, repo.Create(ctx, stopped))
	_, err := repo.Finish(ctx, stopped.ID, models.StatusStopped, "", 0, now)
	require.NoError(t, err)

	found, err := repo.FindRecoverable(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, running.ID, found[0].ID)

	t.Run("resume persists restart count and handle", func(t *testing.T) {
		r := found[0]
		r.RestartCount++
		r.WorkerHandle = models.WorkerHandle{ID: "w2", ContainerID: "c2"}
		r.LastHeartbeat = now.Add(time.Hour)
		require.NoError(t, repo.Resume(ctx, r))

		got, err := repo.FindByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RestartCount)
		assert.Equal(t, "c2", got.WorkerHandle.ContainerID)
	})

	t.Run("resume of inactive session", func(t *testing.T) {
		err := repo.Resume(ctx, stopped)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list filters", func(t *testing.T) {
		active, err := repo.List(ctx, models.SessionFilter{ActiveOnly: true})
		require.NoError(t, err)
		assert.Len(t, active, 1)

		byStatus, err := repo.List(ctx, models.SessionFilter{Status: models.StatusStopped})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		assert.Equal(t, "bob", byStatus[0].TenantID)

		limited, err := repo.List(ctx, models.SessionFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}
