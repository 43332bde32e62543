package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/applyx/internal/api"
	"github.com/shehryarbajwa/applyx/internal/browser"
	"github.com/shehryarbajwa/applyx/internal/config"
	"github.com/shehryarbajwa/applyx/internal/logging"
	"github.com/shehryarbajwa/applyx/internal/metrics"
	"github.com/shehryarbajwa/applyx/internal/proxy"
	"github.com/shehryarbajwa/applyx/internal/quota"
	"github.com/shehryarbajwa/applyx/internal/ratelimit"
	"github.com/shehryarbajwa/applyx/internal/scheduler"
	"github.com/shehryarbajwa/applyx/internal/session"
	"github.com/shehryarbajwa/applyx/internal/store"
	"github.com/shehryarbajwa/applyx/internal/worker"
)

// app holds every long-lived component so shutdown can unwind them in order
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *store.Database
	redis     *redis.Client
	pool      *browser.Pool
	worker    *worker.BrowserWorker
	limiter   *ratelimit.Limiter
	sup       *session.Supervisor
	scheduler *scheduler.RestartScheduler
	server    *http.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting applyx",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// Sessions left running by the previous process must be back under
	// supervision before the API accepts new starts
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := a.recoverSessions(ctx); err != nil {
		return err
	}

	if a.scheduler != nil {
		if err := a.scheduler.Start(context.Background()); err != nil {
			return fmt.Errorf("start restart scheduler: %w", err)
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Shutting down server gracefully", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	return a.shutdown()
}

func newApp(cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clock := quartz.NewReal()

	a.db, err = store.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	sessions := store.NewSessionRepository(a.db.DB)
	activity := store.NewActivityRepository(a.db.DB)
	ledger := quota.NewLedger(store.NewQuotaRepository(a.db.DB), quota.Options{
		Plans:    quota.PlansFromConfig(cfg.Plans),
		Clock:    clock,
		Location: loc,
		Logger:   logger,
		Metrics:  m,
	})

	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		limitStore = ratelimit.NewRedisStore(a.redis)
		logger.Info("Rate limits shared through redis", zap.String("addr", cfg.Redis.Addr))
	}
	a.limiter = ratelimit.NewLimiter(limitStore, ratelimit.Options{
		Clock:           clock,
		Logger:          logger,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
	})
	a.limiter.Start(context.Background())

	a.pool, err = browser.NewPool(cfg.Browser, logger)
	if err != nil {
		return nil, err
	}
	imageCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	logger.Info("Ensuring browser image is available", zap.String("image", cfg.Browser.Image))
	if err := a.pool.EnsureImage(imageCtx); err != nil {
		return nil, err
	}
	a.worker = worker.NewBrowserWorker(a.pool, worker.NavigateAutomation(cfg.Browser.StartURL), nil, logger)

	a.sup = session.NewSupervisor(session.Deps{
		Sessions: sessions,
		Activity: activity,
		Ledger:   ledger,
		Worker:   a.worker,
		Clock:    clock,
		Logger:   logger,
		Metrics:  m,
	}, session.OptionsFromConfig(cfg.Supervisor))

	var restarts api.RestartRunner
	if cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.NewRestartScheduler(
			scheduler.ConfigFrom(cfg.Scheduler, loc), ledger, a.sup, clock, logger, m)
		if err != nil {
			return nil, err
		}
		restarts = a.scheduler
	}

	handler := api.NewHandler(api.Deps{
		Supervisor: a.sup,
		Ledger:     ledger,
		Activity:   activity,
		Restarts:   restarts,
		Database:   a.db,
		Gatherer:   reg,
		Metrics:    m,
		RateLimit:  cfg.RateLimit,
		Clock:      clock,
		Logger:     logger,
	})
	router := handler.SetupRoutes(proxy.NewServer(a.sup, logger), a.limiter)

	a.server = &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute, // restart runs and debug proxies are long lived
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// recoverSessions resumes persisted sessions and removes containers no session owns
func (a *app) recoverSessions(ctx context.Context) error {
	report, err := a.sup.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	for _, f := range report.Failures {
		a.logger.Warn("session not recovered", zap.String("tenant_id", f.TenantID), zap.Error(f.Err))
	}
	a.logger.Info("Session recovery finished",
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed),
	)

	reaped, err := a.worker.ReapOrphans(ctx)
	if err != nil {
		a.logger.Warn("failed to reap orphan browsers", zap.Error(err))
	} else if reaped > 0 {
		a.logger.Info("Reaped orphan browsers", zap.Int("count", reaped))
	}
	return nil
}

// shutdown stops accepting requests, then stops supervising. Workers and
// their rows are left for the next process to recover.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if err := a.sup.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop supervisor: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("Server stopped cleanly")
	return nil
}

func (a *app) close() {
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("Error closing docker client", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Error closing redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Error closing database", zap.Error(err))
		}
	}
}
