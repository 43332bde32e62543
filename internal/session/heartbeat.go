package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

const (
	// ActionWorkUnit is the usage log action charged for each completed work unit
	ActionWorkUnit = "work_unit"

	// StopReasonQuotaReached marks sessions stopped because the tenant ran out of allowance
	StopReasonQuotaReached = "daily quota reached"

	// StopReasonTargetReached marks sessions stopped at their work unit target
	StopReasonTargetReached = "work unit target reached"

	// StopReasonCompleted marks sessions whose worker finished on its own
	StopReasonCompleted = "worker completed"
)

var errMonitorDone = errors.New("heartbeat monitor done")

// monitor polls one session's worker on the heartbeat interval, mirrors its
// progress to storage and bills new work units against the tenant's quota
type monitor struct {
	sup       *Supervisor
	tenantID  string
	sessionID string
	handle    models.WorkerHandle
	target    int

	// base is the number of units completed before the handle's current run.
	// Workers count from zero again after a reattach.
	base     int
	units    int
	charged  int
	failures int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newMonitor(s *Supervisor, sess *models.Session, base int) *monitor {
	ctx, cancel := context.WithCancel(s.base)
	return &monitor{
		sup:       s,
		tenantID:  sess.TenantID,
		sessionID: sess.ID,
		handle:    sess.WorkerHandle,
		target:    sess.WorkUnitTarget,
		base:      base,
		units:     sess.WorkUnitsCompleted,
		charged:   sess.WorkUnitsCompleted,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (m *monitor) start() {
	s := m.sup
	s.monitors.Add(1)
	w := s.clock.TickerFunc(m.ctx, s.opts.HeartbeatInterval, func() error {
		return m.beat(m.ctx)
	}, "session", "heartbeat")

	go func() {
		defer s.monitors.Done()
		defer close(m.done)
		defer m.cancel()

		if err := w.Wait(); err != nil && !errors.Is(err, errMonitorDone) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("heartbeat monitor exited", zap.String("session_id", m.sessionID), zap.Error(err))
		}
	}()
}

// halt stops the loop and waits for an in-flight beat to return.
// It must not be called from within a beat.
func (m *monitor) halt() {
	m.cancel()
	<-m.done
}

func (m *monitor) beat(ctx context.Context) error {
	s := m.sup
	if !s.registry.current(m.tenantID, m.sessionID) {
		return errMonitorDone
	}

	st, err := s.worker.Status(ctx, m.handle)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.failures++
		s.metrics.Heartbeat("error")
		s.logger.Warn("worker status failed",
			zap.String("tenant_id", m.tenantID),
			zap.String("session_id", m.sessionID),
			zap.Int("consecutive_failures", m.failures),
			zap.Error(err),
		)
		if m.failures < s.opts.MaxStatusFailures {
			return nil
		}
		return m.end(ctx, models.StatusFailed, fmt.Sprintf("worker status unavailable: %v", err))
	}
	m.failures = 0

	total := max(m.base+st.WorkUnitsCompleted, m.units)
	m.units = total

	if !st.Alive && !st.Completed {
		s.metrics.Heartbeat("crashed")
		reason := st.Detail
		if reason == "" {
			reason = "worker is not alive"
		}
		return m.end(ctx, models.StatusFailed, reason)
	}

	capped := m.charge(ctx, total)

	now := s.clock.Now("session", "heartbeat")
	var active bool
	err = s.retry(ctx, func(ctx context.Context) error {
		var err error
		active, err = s.sessions.UpdateHeartbeat(ctx, m.sessionID, total, now)
		return err
	})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.Heartbeat("error")
		s.logger.Error("failed to persist heartbeat",
			zap.String("tenant_id", m.tenantID),
			zap.String("session_id", m.sessionID),
			zap.Error(err),
		)
	case !active:
		return m.endedElsewhere(ctx)
	default:
		s.registry.heartbeat(m.tenantID, m.sessionID, total, now)
		s.metrics.Heartbeat("ok")
	}

	switch {
	case st.Completed:
		return m.end(ctx, models.StatusStopped, StopReasonCompleted)
	case capped:
		return m.end(ctx, models.StatusStopped, StopReasonQuotaReached)
	case m.target > 0 && total >= m.target:
		return m.end(ctx, models.StatusStopped, StopReasonTargetReached)
	}
	return nil
}

// charge bills units completed since the last beat. It reports whether the
// tenant has no allowance left.
func (m *monitor) charge(ctx context.Context, total int) bool {
	delta := total - m.charged
	if delta <= 0 {
		return false
	}

	consumed, remaining, err := m.sup.ledger.ConsumeUpTo(ctx, m.tenantID, delta, ActionWorkUnit)
	if err != nil {
		// billed on a later beat
		m.sup.logger.Warn("failed to charge work units",
			zap.String("tenant_id", m.tenantID),
			zap.Int("units", delta),
			zap.Error(err),
		)
		return false
	}

	if consumed < delta || remaining == 0 {
		m.charged = total
		return true
	}
	m.charged += consumed
	return false
}

// end moves the session to a terminal status from inside the loop and
// always stops the loop
func (m *monitor) end(ctx context.Context, status models.SessionStatus, reason string) error {
	s := m.sup
	sess, _, ok := s.registry.claim(m.tenantID, m.sessionID)
	if !ok {
		return errMonitorDone
	}
	sess.WorkUnitsCompleted = m.units

	// a crashed worker may still hold a container
	if err := s.stopWorker(ctx, m.tenantID, m.handle); err != nil && status == models.StatusStopped {
		status, reason = models.StatusFailed, reason+"; stop worker: "+err.Error()
	}
	_ = s.finish(ctx, sess, status, reason)
	return errMonitorDone
}

// endedElsewhere mirrors a row that another process already finished
func (m *monitor) endedElsewhere(ctx context.Context) error {
	s := m.sup
	sess, _, ok := s.registry.claim(m.tenantID, m.sessionID)
	if !ok {
		return errMonitorDone
	}

	status, reason := models.StatusFailed, "session ended outside this process"
	at := s.clock.Now("session", "finish")
	if row, err := s.sessions.FindByID(ctx, m.sessionID); err == nil {
		status, reason = row.Status, row.FailureReason
		if row.StoppedAt != nil {
			at = *row.StoppedAt
		}
	}
	s.registry.finish(sess.TenantID, sess.ID, status, reason, at)
	s.metrics.SetActiveSessions(s.registry.ActiveCount())
	s.logger.Warn("session ended outside this process", zap.String("session_id", m.sessionID))
	return errMonitorDone
}
