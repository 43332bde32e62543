package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

// Limiter enforces sliding-window limits for arbitrary keys
type Limiter struct {
	store           Store
	clock           quartz.Clock
	logger          *zap.Logger
	cleanupInterval time.Duration

	// largest window seen; keys idle for longer are swept
	maxWindow atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	waiter quartz.Waiter
}

// Options configures a Limiter. Zero values select defaults.
type Options struct {
	Clock           quartz.Clock
	Logger          *zap.Logger
	CleanupInterval time.Duration
}

// NewLimiter creates a limiter over store
func NewLimiter(store Store, opts Options) *Limiter {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	return &Limiter{
		store:           store,
		clock:           opts.Clock,
		logger:          opts.Logger.Named("ratelimit"),
		cleanupInterval: opts.CleanupInterval,
	}
}

// Allowed records a request for key and reports whether it fits within
// limit requests per window. Store failures allow the request.
func (l *Limiter) Allowed(ctx context.Context, key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return false
	}
	l.observeWindow(window)

	ok, err := l.store.Allow(ctx, key, limit, window, l.clock.Now("ratelimit", "allow"))
	if err != nil {
		l.logger.Warn("rate limit store failed, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}
	return ok
}

// Remaining returns how many more requests key may make in the current window
func (l *Limiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) int {
	count, _, err := l.store.Count(ctx, key, window, l.clock.Now("ratelimit", "remaining"))
	if err != nil {
		l.logger.Warn("rate limit store failed", zap.String("key", key), zap.Error(err))
		return limit
	}
	return max(limit-count, 0)
}

// ResetTime returns when the oldest request in key's window expires.
// An empty window resets now.
func (l *Limiter) ResetTime(ctx context.Context, key string, window time.Duration) time.Time {
	now := l.clock.Now("ratelimit", "reset")
	count, oldest, err := l.store.Count(ctx, key, window, now)
	if err != nil {
		l.logger.Warn("rate limit store failed", zap.String("key", key), zap.Error(err))
		return now
	}
	if count == 0 {
		return now
	}
	return oldest.Add(window)
}

func (l *Limiter) observeWindow(window time.Duration) {
	for {
		cur := l.maxWindow.Load()
		if int64(window) <= cur || l.maxWindow.CompareAndSwap(cur, int64(window)) {
			return
		}
	}
}

// Start runs the cleanup loop until ctx is done or Stop is called
func (l *Limiter) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.waiter = l.clock.TickerFunc(ctx, l.cleanupInterval, func() error {
		l.sweep(ctx)
		return nil
	}, "ratelimit", "cleanup")
}

// Stop ends the cleanup loop and waits for it to exit
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}

	l.cancel()
	_ = l.waiter.Wait()
	l.cancel = nil
	l.waiter = nil
}

func (l *Limiter) sweep(ctx context.Context) {
	idle := time.Duration(l.maxWindow.Load())
	if idle == 0 {
		return
	}
	removed, err := l.store.Sweep(ctx, idle, l.clock.Now("ratelimit", "sweep"))
	if err != nil {
		l.logger.Warn("rate limit sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		l.logger.Debug("rate limit keys swept", zap.Int("removed", removed))
	}
}
