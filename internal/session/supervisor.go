// Package session supervises one long-lived worker per tenant: admission,
// start and stop, heartbeats, and recovery after a process restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/applyx/internal/config"
	"github.com/shehryarbajwa/applyx/internal/metrics"
	"github.com/shehryarbajwa/applyx/internal/store"
	"github.com/shehryarbajwa/applyx/internal/worker"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

// Ledger is the slice of the quota ledger the supervisor needs
type Ledger interface {
	CanConsume(ctx context.Context, tenantID string, amount int) (bool, error)
	ConsumeUpTo(ctx context.Context, tenantID string, amount int, action string) (consumed, remaining int, err error)
}

// Deps are the collaborators of a Supervisor
type Deps struct {
	Sessions *store.SessionRepository
	Activity *store.ActivityRepository // optional
	Ledger   Ledger
	Worker   worker.Capability
	Clock    quartz.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Options tune a Supervisor. Zero values select defaults.
type Options struct {
	HeartbeatInterval   time.Duration
	StopTimeout         time.Duration
	SettleDelay         time.Duration
	MaxConcurrentStarts int
	MaxStatusFailures   int
	WriteRetries        int
	RetryBackoff        time.Duration
	RecoveryParallelism int
}

// OptionsFromConfig maps configuration onto supervisor options
func OptionsFromConfig(cfg config.SupervisorConfig) Options {
	return Options{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		StopTimeout:         cfg.StopTimeout,
		SettleDelay:         cfg.SettleDelay,
		MaxConcurrentStarts: cfg.MaxConcurrentStarts,
		MaxStatusFailures:   cfg.MaxStatusFailures,
		WriteRetries:        cfg.WriteRetries,
		RetryBackoff:        cfg.RetryBackoff,
		RecoveryParallelism: cfg.RecoveryParallelism,
	}
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 30 * time.Second
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.MaxConcurrentStarts <= 0 {
		o.MaxConcurrentStarts = 10
	}
	if o.MaxStatusFailures <= 0 {
		o.MaxStatusFailures = 3
	}
	if o.WriteRetries <= 0 {
		o.WriteRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 100 * time.Millisecond
	}
	if o.RecoveryParallelism <= 0 {
		o.RecoveryParallelism = 4
	}
}

// Supervisor owns the lifecycle of every tenant's worker
type Supervisor struct {
	sessions *store.SessionRepository
	activity *store.ActivityRepository
	ledger   Ledger
	worker   worker.Capability
	clock    quartz.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	registry *Registry
	starts   *semaphore.Weighted

	// monitors run under base so Shutdown can end them all at once
	base     context.Context
	cancel   context.CancelFunc
	monitors sync.WaitGroup
	closed   atomic.Bool
}

// NewSupervisor creates a supervisor. Call Recover before serving requests.
func NewSupervisor(deps Deps, opts Options) *Supervisor {
	opts.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		sessions: deps.Sessions,
		activity: deps.Activity,
		ledger:   deps.Ledger,
		worker:   deps.Worker,
		clock:    deps.Clock,
		logger:   deps.Logger.Named("supervisor"),
		metrics:  deps.Metrics,
		opts:     opts,
		registry: NewRegistry(),
		starts:   semaphore.NewWeighted(int64(opts.MaxConcurrentStarts)),
		base:     base,
		cancel:   cancel,
	}
}

// Registry exposes the in-memory session view
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Start admits and launches a worker for the tenant
func (s *Supervisor) Start(ctx context.Context, tenantID string, req models.StartSessionRequest) (*models.Session, error) {
	snapshot, err := models.SealConfig(req.Kind, req.Config)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, tenantID, snapshot, req.WorkUnitTarget, 0)
}

func (s *Supervisor) start(ctx context.Context, tenantID string, snapshot []byte, target, restartCount int) (*models.Session, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if s.closed.Load() {
		return nil, ErrSupervisorClosed
	}

	ok, err := s.ledger.CanConsume(ctx, tenantID, 1)
	if err != nil {
		s.metrics.SessionStarted("error")
		return nil, fmt.Errorf("admission check for tenant %s: %w", tenantID, err)
	}
	if !ok {
		s.metrics.SessionStarted(string(ReasonQuotaExceeded))
		return nil, refuse(tenantID, ReasonQuotaExceeded, nil)
	}

	env, err := models.OpenConfig(snapshot)
	if err != nil {
		return nil, fmt.Errorf("session config for tenant %s: %w", tenantID, err)
	}

	now := s.clock.Now("session", "start")
	sess := &models.Session{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Status:         models.StatusCreated,
		StartedAt:      now,
		LastHeartbeat:  now,
		WorkUnitTarget: target,
		RestartCount:   restartCount,
		ConfigSnapshot: snapshot,
		IsActive:       true,
	}

	if !s.registry.reserve(sess) {
		s.metrics.SessionStarted(string(ReasonSessionAlreadyActive))
		return nil, refuse(tenantID, ReasonSessionAlreadyActive, nil)
	}
	committed := false
	defer func() {
		if !committed {
			s.registry.release(tenantID, sess.ID)
		}
	}()

	// Another process sharing the database may own the tenant
	if existing, err := s.sessions.FindActiveByTenant(ctx, tenantID); err == nil {
		s.metrics.SessionStarted(string(ReasonSessionAlreadyActive))
		return nil, refuse(tenantID, ReasonSessionAlreadyActive, fmt.Errorf("session %s is active in storage", existing.ID))
	} else if !errors.Is(err, store.ErrNotFound) {
		s.metrics.SessionStarted("error")
		return nil, err
	}

	if err := s.starts.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	handle, err := s.worker.Start(ctx, env)
	s.starts.Release(1)
	if err != nil {
		s.metrics.SessionStarted(string(ReasonWorkerStartupFailure))
		s.logger.Warn("worker failed to start", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil, refuse(tenantID, ReasonWorkerStartupFailure, err)
	}

	sess.Status = models.StatusRunning
	sess.WorkerHandle = handle
	s.registry.transition(tenantID, sess.ID, models.StatusRunning)

	err = s.retry(ctx, func(ctx context.Context) error {
		return s.sessions.Create(ctx, sess)
	})
	if err != nil {
		_ = s.stopWorker(ctx, tenantID, handle)
		if errors.Is(err, store.ErrConflict) {
			s.metrics.SessionStarted(string(ReasonSessionAlreadyActive))
			return nil, refuse(tenantID, ReasonSessionAlreadyActive, err)
		}
		s.metrics.SessionStarted("error")
		return nil, fmt.Errorf("persist session for tenant %s: %w", tenantID, err)
	}

	s.watch(sess, 0)
	committed = true
	s.metrics.SessionStarted("started")
	s.metrics.SetActiveSessions(s.registry.ActiveCount())

	s.logger.Info("session started",
		zap.String("tenant_id", tenantID),
		zap.String("session_id", sess.ID),
		zap.Int("restart_count", restartCount),
	)
	return sess.Clone(), nil
}

// watch registers sess as committed and starts its heartbeat monitor. base
// is the unit count the worker's own counter started from.
func (s *Supervisor) watch(sess *models.Session, base int) {
	m := newMonitor(s, sess, base)
	s.registry.put(sess, m)
	m.start()
}

// Stop ends the tenant's session. Stopping a tenant without an active
// session succeeds without doing anything.
func (s *Supervisor) Stop(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}

	sess, m, ok := s.registry.claim(tenantID, "")
	if !ok {
		return s.stopOrphanRow(ctx, tenantID)
	}
	if m != nil {
		m.halt()
	}

	status, reason := models.StatusStopped, ""
	if err := s.stopWorker(ctx, tenantID, sess.WorkerHandle); err != nil {
		status, reason = models.StatusFailed, "stop worker: "+err.Error()
	}
	return s.finish(ctx, sess, status, reason)
}

// stopOrphanRow ends an active row that this process does not supervise,
// such as one left behind when recovery was skipped
func (s *Supervisor) stopOrphanRow(ctx context.Context, tenantID string) error {
	if s.registry.Active(tenantID) {
		// someone else is starting or stopping the tenant
		return nil
	}
	row, err := s.sessions.FindActiveByTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	status, reason := models.StatusStopped, ""
	if err := s.stopWorker(ctx, tenantID, row.WorkerHandle); err != nil {
		status, reason = models.StatusFailed, "stop worker: "+err.Error()
	}
	at := s.clock.Now("session", "finish")
	err = s.retry(ctx, func(ctx context.Context) error {
		_, err := s.sessions.Finish(ctx, row.ID, status, reason, row.WorkUnitsCompleted, at)
		return err
	})
	if err != nil {
		return err
	}

	row.Status, row.IsActive, row.FailureReason, row.StoppedAt = status, false, reason, &at
	s.registry.Put(row)
	s.metrics.SessionEnded(string(status))
	return nil
}

// stopWorker asks the worker to stop, bounded by StopTimeout even when ctx
// is already cancelled
func (s *Supervisor) stopWorker(ctx context.Context, tenantID string, h models.WorkerHandle) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
	defer cancel()

	if err := s.worker.Stop(stopCtx, h); err != nil {
		s.logger.Warn("worker did not stop cleanly",
			zap.String("tenant_id", tenantID),
			zap.String("worker_id", h.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// finish persists a terminal status for a claimed session and releases the
// tenant slot. The registry is updated even when the write fails.
func (s *Supervisor) finish(ctx context.Context, sess *models.Session, status models.SessionStatus, reason string) error {
	ctx = context.WithoutCancel(ctx)
	at := s.clock.Now("session", "finish")

	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.sessions.Finish(ctx, sess.ID, status, reason, sess.WorkUnitsCompleted, at)
		return err
	})
	s.registry.finish(sess.TenantID, sess.ID, status, reason, at)
	s.metrics.SessionEnded(string(status))
	s.metrics.SetActiveSessions(s.registry.ActiveCount())

	if status == models.StatusFailed {
		s.record(ctx, sess.TenantID, sess.ID, models.ActivityFailure, false, reason)
	}

	fields := []zap.Field{
		zap.String("tenant_id", sess.TenantID),
		zap.String("session_id", sess.ID),
		zap.String("status", string(status)),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if err != nil {
		s.logger.Error("failed to persist session end", append(fields, zap.Error(err))...)
		return fmt.Errorf("persist session end for tenant %s: %w", sess.TenantID, err)
	}
	s.logger.Info("session ended", fields...)
	return nil
}

// Restart stops the tenant's session, waits for the settle delay and starts
// a new one from the previous session's config with restart_count + 1.
func (s *Supervisor) Restart(ctx context.Context, tenantID string, kind models.ActivityKind) (*models.Session, error) {
	sess, err := s.restart(ctx, tenantID)
	if err != nil {
		s.record(ctx, tenantID, "", kind, false, err.Error())
		return nil, err
	}
	s.record(ctx, tenantID, sess.ID, kind, true, fmt.Sprintf("restart #%d", sess.RestartCount))
	return sess, nil
}

func (s *Supervisor) restart(ctx context.Context, tenantID string) (*models.Session, error) {
	prev, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if err := s.Stop(ctx, tenantID); err != nil {
		return nil, err
	}
	if err := s.settle(ctx); err != nil {
		return nil, err
	}
	return s.start(ctx, tenantID, prev.ConfigSnapshot, prev.WorkUnitTarget, prev.RestartCount+1)
}

func (s *Supervisor) settle(ctx context.Context) error {
	if s.opts.SettleDelay == 0 {
		return nil
	}
	t := s.clock.NewTimer(s.opts.SettleDelay, "session", "settle")
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the tenant's latest session, falling back to storage
func (s *Supervisor) Get(ctx context.Context, tenantID string) (*models.Session, error) {
	if sess, ok := s.registry.Get(tenantID); ok {
		return sess, nil
	}
	sess, err := s.sessions.FindLatestByTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: tenant %s", ErrSessionNotFound, tenantID)
	}
	return sess, err
}

// List returns stored sessions, newest first
func (s *Supervisor) List(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	return s.sessions.List(ctx, filter)
}

// ActiveCount returns how many sessions this process supervises
func (s *Supervisor) ActiveCount() int {
	return s.registry.ActiveCount()
}

// Shutdown ends every heartbeat monitor but leaves workers running and
// their rows active, so the next process recovers them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.monitors.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("supervisor shut down", zap.Int("active_sessions", s.registry.ActiveCount()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) retry(ctx context.Context, fn func(context.Context) error) error {
	return store.Retry(ctx, s.opts.WriteRetries, s.opts.RetryBackoff, fn)
}

func (s *Supervisor) record(ctx context.Context, tenantID, sessionID string, kind models.ActivityKind, success bool, msg string) {
	if s.activity == nil {
		return
	}
	e := &models.ActivityEntry{
		TenantID:  tenantID,
		SessionID: sessionID,
		Kind:      kind,
		Success:   success,
		Message:   msg,
		Timestamp: s.clock.Now("session", "activity"),
	}
	if err := s.activity.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("failed to record activity",
			zap.String("tenant_id", tenantID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}
