// Package scheduler restarts quota-capped tenants once a day after their
// allowance resets.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/applyx/internal/config"
	"github.com/shehryarbajwa/applyx/internal/metrics"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

const dateLayout = "2006-01-02"

// TenantSource lists tenants that finished their day at the cap and want
// their worker restarted. ClearCapped acknowledges a restarted tenant so it
// is not selected again.
type TenantSource interface {
	CappedAutoRestartTenants(ctx context.Context) ([]string, error)
	ClearCapped(ctx context.Context, tenantID string) error
}

// Restarter restarts a tenant's worker
type Restarter interface {
	Restart(ctx context.Context, tenantID string, kind models.ActivityKind) (*models.Session, error)
}

// Config holds the daily trigger settings
type Config struct {
	// DailyHour and DailyMinute are the trigger time in Location
	DailyHour   int
	DailyMinute int

	// CheckInterval is how often the clock is compared with the trigger time
	CheckInterval time.Duration

	// CatchUpWindow is how late after the trigger time a run still starts,
	// e.g. when the process was down at the trigger time
	CatchUpWindow time.Duration

	// InterTenantDelay spaces restarts so workers do not all launch at once
	InterTenantDelay time.Duration

	// RunTimeout bounds a whole run
	RunTimeout time.Duration

	Location *time.Location
}

// DefaultConfig returns the default trigger configuration
func DefaultConfig() Config {
	return Config{
		DailyHour:        2, // 2am
		DailyMinute:      0,
		CheckInterval:    time.Minute,
		CatchUpWindow:    time.Hour,
		InterTenantDelay: 10 * time.Second,
		RunTimeout:       2 * time.Hour,
		Location:         time.UTC,
	}
}

// ConfigFrom maps application configuration onto scheduler configuration
func ConfigFrom(cfg config.SchedulerConfig, loc *time.Location) Config {
	return Config{
		DailyHour:        cfg.DailyHour,
		DailyMinute:      cfg.DailyMinute,
		CheckInterval:    cfg.CheckInterval,
		CatchUpWindow:    cfg.CatchUpWindow,
		InterTenantDelay: cfg.InterTenantDelay,
		RunTimeout:       cfg.RunTimeout,
		Location:         loc,
	}
}

func (c Config) validate() error {
	if c.DailyHour < 0 || c.DailyHour > 23 || c.DailyMinute < 0 || c.DailyMinute > 59 {
		return fmt.Errorf("%w: trigger time %02d:%02d", ErrInvalidConfig, c.DailyHour, c.DailyMinute)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("%w: check interval must be positive", ErrInvalidConfig)
	}
	if c.InterTenantDelay < 0 || c.CatchUpWindow < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// Result is the outcome of one tenant's restart
type Result struct {
	TenantID  string `json:"tenantId"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report summarizes one run
type Report struct {
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Restarted  int       `json:"restarted"`
	Failed     int       `json:"failed"`
	Results    []Result  `json:"results"`
}

// RestartScheduler triggers the daily restart of quota-capped tenants
type RestartScheduler struct {
	config    Config
	tenants   TenantSource
	restarter Restarter
	clock     quartz.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	pace      *rate.Limiter

	// runMu is held for the duration of a run
	runMu sync.Mutex

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	isRunning   bool
	lastRunDate string // date of the last scheduled run, in Location
}

// NewRestartScheduler creates a scheduler. A nil clock selects the real clock.
func NewRestartScheduler(
	cfg Config,
	tenants TenantSource,
	restarter Restarter,
	clock quartz.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*RestartScheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.InterTenantDelay > 0 {
		limit = rate.Every(cfg.InterTenantDelay)
	}

	return &RestartScheduler{
		config:    cfg,
		tenants:   tenants,
		restarter: restarter,
		clock:     clock,
		logger:    logger.Named("scheduler"),
		metrics:   m,
		pace:      rate.NewLimiter(limit, 1),
	}, nil
}

// Start begins checking the clock against the trigger time
func (s *RestartScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	s.isRunning = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	w := s.clock.TickerFunc(ctx, s.config.CheckInterval, func() error {
		s.checkAndTrigger(ctx)
		return nil
	}, "scheduler", "tick")

	go func(done chan struct{}) {
		defer close(done)
		_ = w.Wait()
	}(s.done)

	s.logger.Info("restart scheduler started",
		zap.Int("daily_hour", s.config.DailyHour),
		zap.Int("daily_minute", s.config.DailyMinute),
		zap.Duration("check_interval", s.config.CheckInterval),
		zap.String("location", s.config.Location.String()),
	)
	return nil
}

// Stop ends the loop and waits for an in-flight run to notice cancellation
func (s *RestartScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		s.logger.Info("restart scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastRunDate returns the date of the last scheduled run
func (s *RestartScheduler) LastRunDate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunDate
}

// RunNow runs a restart pass immediately, independent of the daily trigger
func (s *RestartScheduler) RunNow(ctx context.Context) (Report, error) {
	return s.run(ctx, "manual")
}

// checkAndTrigger runs the daily pass when the trigger time has passed
// today and it has not run yet
func (s *RestartScheduler) checkAndTrigger(ctx context.Context) {
	now := s.clock.Now("scheduler", "now").In(s.config.Location)
	today := now.Format(dateLayout)

	s.mu.Lock()
	if s.lastRunDate == today {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	trigger := time.Date(now.Year(), now.Month(), now.Day(), s.config.DailyHour, s.config.DailyMinute, 0, 0, s.config.Location)
	if now.Before(trigger) {
		return
	}

	if late := now.Sub(trigger); late > s.config.CatchUpWindow {
		s.markRun(today)
		s.logger.Warn("skipping missed daily restart",
			zap.String("date", today),
			zap.Duration("late_by", late),
		)
		return
	}

	s.logger.Info("triggering daily restarts", zap.String("date", today))
	_, err := s.run(ctx, "schedule")
	if errors.Is(err, ErrRunInProgress) {
		// retried on the next tick while still inside the catch-up window
		s.logger.Info("daily restart deferred, another run is in progress", zap.String("date", today))
		return
	}
	s.markRun(today)
	if err != nil {
		s.logger.Error("daily restart run failed", zap.Error(err))
	}
}

func (s *RestartScheduler) markRun(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRunDate = date
}

func (s *RestartScheduler) run(ctx context.Context, trigger string) (Report, error) {
	if !s.runMu.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	report := Report{Trigger: trigger, StartedAt: s.clock.Now("scheduler", "now")}

	tenants, err := s.tenants.CappedAutoRestartTenants(ctx)
	if err != nil {
		return report, fmt.Errorf("list capped tenants: %w", err)
	}

	s.logger.Info("restarting capped tenants",
		zap.String("trigger", trigger),
		zap.Int("tenant_count", len(tenants)),
	)

	for _, tenantID := range tenants {
		res := Result{TenantID: tenantID}
		err := s.wait(ctx)
		if err == nil {
			var sess *models.Session
			sess, err = s.restarter.Restart(ctx, tenantID, models.ActivityAutoRestart)
			if sess != nil {
				res.SessionID = sess.ID
			}
		}
		s.metrics.ScheduledRestart(err)

		if err != nil {
			res.Error = err.Error()
			report.Failed++
			s.logger.Warn("scheduled restart failed", zap.String("tenant_id", tenantID), zap.Error(err))
		} else {
			report.Restarted++
			if err := s.tenants.ClearCapped(ctx, tenantID); err != nil {
				s.logger.Warn("failed to acknowledge capped day", zap.String("tenant_id", tenantID), zap.Error(err))
			}
			s.logger.Info("scheduled restart succeeded",
				zap.String("tenant_id", tenantID),
				zap.String("session_id", res.SessionID),
			)
		}
		report.Results = append(report.Results, res)
	}

	report.FinishedAt = s.clock.Now("scheduler", "now")
	s.logger.Info("restart run finished",
		zap.String("trigger", trigger),
		zap.Int("restarted", report.Restarted),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// wait blocks until the pacing limiter admits the next restart
func (s *RestartScheduler) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.clock.Now("scheduler", "pace")
	r := s.pace.ReserveN(now, 1)
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}

	t := s.clock.NewTimer(d, "scheduler", "pace")
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.CancelAt(s.clock.Now("scheduler", "pace"))
		return ctx.Err()
	}
}
