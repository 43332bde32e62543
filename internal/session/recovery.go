package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/applyx/internal/worker"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

// RecoveryReport summarizes a Recover pass
type RecoveryReport struct {
	Recovered int
	Failed    int
	Failures  []*RecoveryFailure
}

// Recover resumes supervision of every session that was running when the
// previous process exited. It must run once, before new work is accepted.
// A session that cannot be resumed is marked FAILED without affecting the
// others; only a failure to read storage is returned.
func (s *Supervisor) Recover(ctx context.Context) (RecoveryReport, error) {
	rows, err := s.sessions.FindRecoverable(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("load recoverable sessions: %w", err)
	}

	var (
		mu     sync.Mutex
		report RecoveryReport
	)
	fail := func(f *RecoveryFailure) {
		mu.Lock()
		defer mu.Unlock()
		report.Failed++
		report.Failures = append(report.Failures, f)
	}

	// rows are ordered newest first within each tenant
	var latest []*models.Session
	seen := make(map[string]bool)
	for _, row := range rows {
		if s.registry.current(row.TenantID, row.ID) {
			// already supervised by this process
			seen[row.TenantID] = true
			continue
		}
		if seen[row.TenantID] {
			s.abandon(ctx, row, "superseded by a newer active session")
			fail(&RecoveryFailure{SessionID: row.ID, TenantID: row.TenantID, Err: ErrSessionAlreadyActive})
			continue
		}
		seen[row.TenantID] = true
		latest = append(latest, row)
	}

	var g errgroup.Group
	g.SetLimit(s.opts.RecoveryParallelism)
	for _, row := range latest {
		g.Go(func() error {
			if err := s.recoverOne(ctx, row); err != nil {
				f := &RecoveryFailure{SessionID: row.ID, TenantID: row.TenantID, Err: err}
				s.logger.Error("session recovery failed",
					zap.String("tenant_id", row.TenantID),
					zap.String("session_id", row.ID),
					zap.Error(err),
				)
				s.abandon(ctx, row, "recovery failed: "+err.Error())
				fail(f)
				return nil
			}
			mu.Lock()
			report.Recovered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SetActiveSessions(s.registry.ActiveCount())
	s.logger.Info("session recovery complete",
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Supervisor) recoverOne(ctx context.Context, row *models.Session) error {
	sess := row.Clone()
	sess.Status = models.StatusRestored
	if !s.registry.reserve(sess) {
		return ErrSessionAlreadyActive
	}
	committed := false
	defer func() {
		if !committed {
			s.registry.release(sess.TenantID, sess.ID)
		}
	}()

	env, err := models.OpenConfig(sess.ConfigSnapshot)
	if err != nil {
		return err
	}

	// Without a Reattacher the old handle keeps counting the same run
	handle, base := sess.WorkerHandle, 0
	if r, ok := s.worker.(worker.Reattacher); ok {
		handle, err = r.Reattach(ctx, sess.WorkerHandle, env)
		if err != nil {
			return fmt.Errorf("reattach worker: %w", err)
		}
		base = sess.WorkUnitsCompleted
	}

	sess.Status = models.StatusRunning
	sess.RestartCount++
	sess.WorkerHandle = handle
	sess.LastHeartbeat = s.clock.Now("session", "recover")

	err = s.retry(ctx, func(ctx context.Context) error {
		return s.sessions.Resume(ctx, sess)
	})
	if err != nil {
		_ = s.stopWorker(ctx, sess.TenantID, handle)
		return err
	}

	s.watch(sess, base)
	committed = true
	s.record(ctx, sess.TenantID, sess.ID, models.ActivityRecovery, true, fmt.Sprintf("restart #%d", sess.RestartCount))
	s.logger.Info("session recovered",
		zap.String("tenant_id", sess.TenantID),
		zap.String("session_id", sess.ID),
		zap.Int("restart_count", sess.RestartCount),
	)
	return nil
}

// abandon marks a row that will not be supervised as FAILED and stops
// whatever worker it still points at
func (s *Supervisor) abandon(ctx context.Context, row *models.Session, reason string) {
	if !row.WorkerHandle.IsZero() {
		_ = s.stopWorker(ctx, row.TenantID, row.WorkerHandle)
	}

	at := s.clock.Now("session", "finish")
	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.sessions.Finish(ctx, row.ID, models.StatusFailed, reason, row.WorkUnitsCompleted, at)
		return err
	})
	if err != nil {
		s.logger.Error("failed to mark session failed", zap.String("session_id", row.ID), zap.Error(err))
	}

	if !s.registry.Active(row.TenantID) {
		failed := row.Clone()
		failed.Status, failed.IsActive, failed.FailureReason, failed.StoppedAt = models.StatusFailed, false, reason, &at
		s.registry.Put(failed)
	}
	s.metrics.SessionEnded(string(models.StatusFailed))
	s.record(ctx, row.TenantID, row.ID, models.ActivityFailure, false, reason)
}
