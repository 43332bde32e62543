package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/applyx/internal/browser"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

// Launcher runs browser containers
type Launcher interface {
	LaunchBrowser(ctx context.Context, workerID string) (*browser.Instance, error)
	StopBrowser(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	ListManaged(ctx context.Context) ([]string, error)
}

// Automation performs a tenant's work inside a connected browser context.
// It calls progress for every completed work unit and returns nil once the
// work is done or ctx is cancelled.
type Automation func(ctx context.Context, cfg models.ConfigEnvelope, progress func(units int)) error

// ConnectFunc attaches to the browser behind a DevTools websocket URL
type ConnectFunc func(ctx context.Context, connectURL string) (context.Context, context.CancelFunc)

// RemoteConnect connects chromedp to a remote browser
func RemoteConnect(ctx context.Context, connectURL string) (context.Context, context.CancelFunc) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, connectURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return browserCtx, func() {
		browserCancel()
		allocCancel()
	}
}

type run struct {
	handle models.WorkerHandle
	cancel context.CancelFunc
	done   chan struct{}
	units  atomic.Int64
	err    error // valid once done is closed
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// BrowserWorker runs an Automation against a dedicated browser container
type BrowserWorker struct {
	launcher   Launcher
	automation Automation
	connect    ConnectFunc
	logger     *zap.Logger

	// removeTimeout bounds container removal after Stop's ctx has ended
	removeTimeout time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

// NewBrowserWorker creates a worker. A nil connect selects RemoteConnect.
func NewBrowserWorker(launcher Launcher, automation Automation, connect ConnectFunc, logger *zap.Logger) *BrowserWorker {
	if connect == nil {
		connect = RemoteConnect
	}
	return &BrowserWorker{
		launcher:      launcher,
		automation:    automation,
		connect:       connect,
		logger:        logger.Named("worker"),
		removeTimeout: 30 * time.Second,
		runs:          make(map[string]*run),
	}
}

// Start launches a container and begins the automation
func (w *BrowserWorker) Start(ctx context.Context, cfg models.ConfigEnvelope) (models.WorkerHandle, error) {
	id := uuid.NewString()
	inst, err := w.launcher.LaunchBrowser(ctx, id)
	if err != nil {
		return models.WorkerHandle{}, fmt.Errorf("launch browser: %w", err)
	}

	h := models.WorkerHandle{ID: id, ContainerID: inst.ContainerID, ConnectURL: inst.ConnectURL}
	w.begin(h, cfg)
	return h, nil
}

// begin runs the automation detached from the caller's context
func (w *BrowserWorker) begin(h models.WorkerHandle, cfg models.ConfigEnvelope) {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{handle: h, cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	if prev, ok := w.runs[h.ID]; ok {
		prev.cancel()
	}
	w.runs[h.ID] = r
	w.mu.Unlock()

	go func() {
		defer close(r.done)
		browserCtx, closeBrowser := w.connect(runCtx, h.ConnectURL)
		defer closeBrowser()

		r.err = w.automation(browserCtx, cfg, func(units int) {
			if units > 0 {
				r.units.Add(int64(units))
			}
		})
		if r.err != nil && !errors.Is(r.err, context.Canceled) {
			w.logger.Warn("automation failed", zap.String("worker_id", h.ID), zap.Error(r.err))
		}
	}()
}

// Stop cancels the automation and removes the container. The container is
// removed even when the automation outlives ctx.
func (w *BrowserWorker) Stop(ctx context.Context, h models.WorkerHandle) error {
	w.mu.Lock()
	r := w.runs[h.ID]
	delete(w.runs, h.ID)
	w.mu.Unlock()

	var waitErr error
	if r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("automation did not exit: %w", ctx.Err())
			w.logger.Warn("automation ignored cancellation, removing container anyway",
				zap.String("worker_id", h.ID),
				zap.String("container_id", h.ContainerID),
			)
		}
	}

	if h.ContainerID == "" {
		return waitErr
	}

	removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.removeTimeout)
	defer cancel()
	if err := w.launcher.StopBrowser(removeCtx, h.ContainerID); err != nil {
		return errors.Join(waitErr, fmt.Errorf("remove container %s: %w", h.ContainerID, err))
	}
	return waitErr
}

// Status reports the automation's progress. The worker is alive while its
// container runs and the automation has not returned.
func (w *BrowserWorker) Status(ctx context.Context, h models.WorkerHandle) (Status, error) {
	w.mu.Lock()
	r := w.runs[h.ID]
	w.mu.Unlock()

	if r == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}

	units := int(r.units.Load())
	if r.finished() {
		if r.err != nil && !errors.Is(r.err, context.Canceled) {
			return Status{WorkUnitsCompleted: units, Detail: r.err.Error()}, nil
		}
		return Status{Completed: true, WorkUnitsCompleted: units, Detail: "automation finished"}, nil
	}

	running, err := w.launcher.IsRunning(ctx, h.ContainerID)
	if err != nil {
		return Status{}, err
	}
	if !running {
		return Status{WorkUnitsCompleted: units, Detail: "browser container exited"}, nil
	}
	return Status{Alive: true, WorkUnitsCompleted: units}, nil
}

// Reattach resumes automation against the handle's container when it is
// still running, or launches a replacement
func (w *BrowserWorker) Reattach(ctx context.Context, h models.WorkerHandle, cfg models.ConfigEnvelope) (models.WorkerHandle, error) {
	if h.ContainerID != "" && h.ConnectURL != "" {
		running, err := w.launcher.IsRunning(ctx, h.ContainerID)
		if err != nil {
			return models.WorkerHandle{}, err
		}
		if running {
			if h.ID == "" {
				h.ID = uuid.NewString()
			}
			w.begin(h, cfg)
			return h, nil
		}
		if err := w.launcher.StopBrowser(ctx, h.ContainerID); err != nil {
			w.logger.Warn("failed to clean up exited container",
				zap.String("container_id", h.ContainerID),
				zap.Error(err),
			)
		}
	}
	return w.Start(ctx, cfg)
}

// ReapOrphans stops managed containers that no run of this worker owns.
// It is meant to run once after recovery.
func (w *BrowserWorker) ReapOrphans(ctx context.Context) (int, error) {
	ids, err := w.launcher.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	owned := make(map[string]bool, len(w.runs))
	for _, r := range w.runs {
		owned[r.handle.ContainerID] = true
	}
	w.mu.Unlock()

	reaped := 0
	for _, id := range ids {
		if owned[id] {
			continue
		}
		if err := w.launcher.StopBrowser(ctx, id); err != nil {
			w.logger.Warn("failed to reap orphan container", zap.String("container_id", id), zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		w.logger.Info("reaped orphan browser containers", zap.Int("count", reaped))
	}
	return reaped, nil
}
