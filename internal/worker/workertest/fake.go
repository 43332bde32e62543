// Package workertest provides an in-memory worker capability for tests.
package workertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/applyx/internal/worker"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

// ErrStartFailed is the error injected by FailStarts
var ErrStartFailed = errors.New("fake worker failed to start")

// Worker is the observable state of one fake worker
type Worker struct {
	Handle    models.WorkerHandle
	Config    models.ConfigEnvelope
	Alive     bool
	Completed bool
	Units     int
	StatusErr error
	Stopped   bool
}

// Fake implements worker.Capability and worker.Reattacher in memory
type Fake struct {
	mu          sync.Mutex
	workers     map[string]*Worker
	startErr    error
	reattachErr error
	stopHook    func(ctx context.Context) error
	starts      int
	stops       int
	reattaches  int
}

var (
	_ worker.Capability = (*Fake)(nil)
	_ worker.Reattacher = (*Fake)(nil)
)

// New creates an empty fake
func New() *Fake {
	return &Fake{workers: make(map[string]*Worker)}
}

// Start implements worker.Capability
func (f *Fake) Start(_ context.Context, cfg models.ConfigEnvelope) (models.WorkerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.startErr != nil {
		return models.WorkerHandle{}, f.startErr
	}
	return f.launch(cfg), nil
}

func (f *Fake) launch(cfg models.ConfigEnvelope) models.WorkerHandle {
	id := uuid.NewString()
	h := models.WorkerHandle{ID: id, ContainerID: "container-" + id[:8], ConnectURL: "ws://fake/" + id}
	f.workers[id] = &Worker{Handle: h, Config: cfg, Alive: true}
	return h
}

// Stop implements worker.Capability
func (f *Fake) Stop(ctx context.Context, h models.WorkerHandle) error {
	f.mu.Lock()
	hook := f.stopHook
	f.stops++
	if w, ok := f.workers[h.ID]; ok {
		w.Alive = false
		w.Stopped = true
	}
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx)
	}
	return nil
}

// Status implements worker.Capability
func (f *Fake) Status(_ context.Context, h models.WorkerHandle) (worker.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.workers[h.ID]
	if !ok {
		return worker.Status{}, fmt.Errorf("%w: %s", worker.ErrUnknownHandle, h.ID)
	}
	if w.StatusErr != nil {
		return worker.Status{}, w.StatusErr
	}
	return worker.Status{
		Alive:              w.Alive && !w.Completed,
		Completed:          w.Completed,
		WorkUnitsCompleted: w.Units,
	}, nil
}

// Reattach implements worker.Reattacher. A known live handle is resumed
// with a fresh unit counter; anything else is relaunched.
func (f *Fake) Reattach(_ context.Context, h models.WorkerHandle, cfg models.ConfigEnvelope) (models.WorkerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reattaches++
	if f.reattachErr != nil {
		return models.WorkerHandle{}, f.reattachErr
	}
	if w, ok := f.workers[h.ID]; ok && w.Alive {
		w.Units = 0
		w.Config = cfg
		return h, nil
	}
	return f.launch(cfg), nil
}

// Adopt registers a live worker as if a previous process had started it
func (f *Fake) Adopt(h models.WorkerHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[h.ID] = &Worker{Handle: h, Alive: true}
}

// FailStarts makes every following Start return err. A nil err restores success.
func (f *Fake) FailStarts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// FailReattach makes every following Reattach return err
func (f *Fake) FailReattach(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reattachErr = err
}

// OnStop runs hook inside every following Stop call and returns its error
func (f *Fake) OnStop(hook func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopHook = hook
}

// Crash marks the worker dead without a stop request
func (f *Fake) Crash(id string) {
	f.update(id, func(w *Worker) { w.Alive = false })
}

// Complete marks the worker as having finished its work
func (f *Fake) Complete(id string) {
	f.update(id, func(w *Worker) { w.Completed = true })
}

// AddUnits records n more completed work units
func (f *Fake) AddUnits(id string, n int) {
	f.update(id, func(w *Worker) { w.Units += n })
}

// SetStatusErr makes Status fail for the worker until cleared with nil
func (f *Fake) SetStatusErr(id string, err error) {
	f.update(id, func(w *Worker) { w.StatusErr = err })
}

func (f *Fake) update(id string, fn func(*Worker)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workers[id]; ok {
		fn(w)
	}
}

// Worker returns a copy of the worker's state
func (f *Fake) Worker(id string) (Worker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Running returns how many workers are alive
func (f *Fake) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.workers {
		if w.Alive {
			n++
		}
	}
	return n
}

// Starts returns how many times Start was called
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Stops returns how many times Stop was called
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// Reattaches returns how many times Reattach was called
func (f *Fake) Reattaches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reattaches
}
