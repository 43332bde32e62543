package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/applyx/internal/browser"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

type fakeLauncher struct {
	mu        sync.Mutex
	next      int
	running   map[string]bool
	stopped   []string
	launchErr error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{running: make(map[string]bool)}
}

func (l *fakeLauncher) LaunchBrowser(_ context.Context, workerID string) (*browser.Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	l.next++
	id := fmt.Sprintf("c%d", l.next)
	l.running[id] = true
	return &browser.Instance{
		ContainerID: id,
		WorkerID:    workerID,
		ConnectURL:  "ws://localhost/" + id,
		Port:        strconv.Itoa(9000 + l.next),
	}, nil
}

func (l *fakeLauncher) StopBrowser(_ context.Context, containerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, containerID)
	l.stopped = append(l.stopped, containerID)
	return nil
}

func (l *fakeLauncher) IsRunning(_ context.Context, containerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[containerID], nil
}

func (l *fakeLauncher) ListManaged(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for id := range l.running {
		ids = append(ids, id)
	}
	return ids, nil
}

func (l *fakeLauncher) exit(containerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, containerID)
}

func (l *fakeLauncher) adopt(containerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running[containerID] = true
}

func fakeConnect(ctx context.Context, _ string) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}

// steppedAutomation reports one unit per value sent on step and returns
// when step is closed or the run is cancelled
type steppedAutomation struct {
	step chan struct{}
	fail chan error
}

func newSteppedAutomation() *steppedAutomation {
	return &steppedAutomation{step: make(chan struct{}), fail: make(chan error, 1)}
}

func (a *steppedAutomation) run(ctx context.Context, _ models.ConfigEnvelope, progress func(int)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-a.fail:
			return err
		case _, ok := <-a.step:
			if !ok {
				return nil
			}
			progress(1)
		}
	}
}

func waitStatus(t *testing.T, w *BrowserWorker, h models.WorkerHandle, cond func(Status) bool) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = w.Status(context.Background(), h)
		return err == nil && cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestBrowserWorker_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	launcher := newFakeLauncher()
	auto := newSteppedAutomation()
	w := NewBrowserWorker(launcher, auto.run, fakeConnect, zap.NewNop())

	h, err := w.Start(ctx, models.ConfigEnvelope{Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "c1", h.ContainerID)
	assert.Equal(t, "ws://localhost/c1", h.ConnectURL)
	assert.NotEmpty(t, h.ID)

	st, err := w.Status(ctx, h)
	require.NoError(t, err)
	assert.True(t, st.Alive)
	assert.Zero(t, st.WorkUnitsCompleted)

	auto.step <- struct{}{}
	auto.step <- struct{}{}
	waitStatus(t, w, h, func(s Status) bool { return s.WorkUnitsCompleted == 2 })

	require.NoError(t, w.Stop(ctx, h))
	assert.Equal(t, []string{"c1"}, launcher.stopped)

	_, err = w.Status(ctx, h)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestBrowserWorker_Status(t *testing.T) {
	t.Run("container exit means not alive", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		launcher := newFakeLauncher()
		auto := newSteppedAutomation()
		w := NewBrowserWorker(launcher, auto.run, fakeConnect, zap.NewNop())

		h, err := w.Start(context.Background(), models.ConfigEnvelope{})
		require.NoError(t, err)
		launcher.exit(h.ContainerID)

		st, err := w.Status(context.Background(), h)
		require.NoError(t, err)
		assert.False(t, st.Alive)
		assert.False(t, st.Completed)
		assert.Equal(t, "browser container exited", st.Detail)

		require.NoError(t, w.Stop(context.Background(), h))
	})

	t.Run("automation error means not alive", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		launcher := newFakeLauncher()
		auto := newSteppedAutomation()
		w := NewBrowserWorker(launcher, auto.run, fakeConnect, zap.NewNop())

		h, err := w.Start(context.Background(), models.ConfigEnvelope{})
		require.NoError(t, err)
		auto.fail <- errors.New("login wall")

		st := waitStatus(t, w, h, func(s Status) bool { return !s.Alive })
		assert.False(t, st.Completed)
		assert.Equal(t, "login wall", st.Detail)

		require.NoError(t, w.Stop(context.Background(), h))
	})

	t.Run("automation returning nil is completed", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		launcher := newFakeLauncher()
		auto := newSteppedAutomation()
		w := NewBrowserWorker(launcher, auto.run, fakeConnect, zap.NewNop())

		h, err := w.Start(context.Background(), models.ConfigEnvelope{})
		require.NoError(t, err)
		auto.step <- struct{}{}
		close(auto.step)

		st := waitStatus(t, w, h, func(s Status) bool { return s.Completed })
		assert.False(t, st.Alive)
		assert.Equal(t, 1, st.WorkUnitsCompleted)

		require.NoError(t, w.Stop(context.Background(), h))
	})
}

func TestBrowserWorker_StartFailure(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.launchErr = errors.New("no such image")
	w := NewBrowserWorker(launcher, newSteppedAutomation().run, fakeConnect, zap.NewNop())

	_, err := w.Start(context.Background(), models.ConfigEnvelope{})
	assert.ErrorContains(t, err, "no such image")
}

func TestBrowserWorker_Reattach(t *testing.T) {
	t.Run("running container is reused", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		launcher := newFakeLauncher()
		launcher.adopt("survivor")
		auto := newSteppedAutomation()
		w := NewBrowserWorker(launcher, auto.run, fakeConnect, zap.NewNop())

		prev := models.WorkerHandle{ID: "w1", ContainerID: "survivor", ConnectURL: "ws://localhost/survivor"}
		h, err := w.Reattach(context.Background(), prev, models.ConfigEnvelope{})
		require.NoError(t, err)
		assert.Equal(t, prev, h)

		st, err := w.Status(context.Background(), h)
		require.NoError(t, err)
		assert.True(t, st.Alive)

		require.NoError(t, w.Stop(context.Background(), h))
	})

	t.Run("exited container is replaced", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		launcher := newFakeLauncher()
		w := NewBrowserWorker(launcher, newSteppedAutomation().run, fakeConnect, zap.NewNop())

		prev := models.WorkerHandle{ID: "w1", ContainerID: "gone", ConnectURL: "ws://localhost/gone"}
		h, err := w.Reattach(context.Background(), prev, models.ConfigEnvelope{})
		require.NoError(t, err)
		assert.NotEqual(t, prev.ID, h.ID)
		assert.Equal(t, "c1", h.ContainerID)
		assert.Contains(t, launcher.stopped, "gone")

		require.NoError(t, w.Stop(context.Background(), h))
	})
}

func TestBrowserWorker_ReapOrphans(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	launcher := newFakeLauncher()
	launcher.adopt("orphan-1")
	launcher.adopt("orphan-2")
	w := NewBrowserWorker(launcher, newSteppedAutomation().run, fakeConnect, zap.NewNop())

	h, err := w.Start(ctx, models.ConfigEnvelope{})
	require.NoError(t, err)

	reaped, err := w.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)
	assert.ElementsMatch(t, []string{"orphan-1", "orphan-2"}, launcher.stopped)

	running, err := launcher.IsRunning(ctx, h.ContainerID)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, w.Stop(ctx, h))
}

func TestBrowserWorker_StopRemovesContainerAfterTimeout(t *testing.T) {
	launcher := newFakeLauncher()
	release := make(chan struct{})
	exited := make(chan struct{})
	stubborn := func(_ context.Context, _ models.ConfigEnvelope, _ func(int)) error {
		defer close(exited)
		<-release
		return nil
	}
	w := NewBrowserWorker(launcher, stubborn, fakeConnect, zap.NewNop())

	h, err := w.Start(context.Background(), models.ConfigEnvelope{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = w.Stop(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	running, err := launcher.IsRunning(context.Background(), h.ContainerID)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, []string{h.ContainerID}, launcher.stopped)

	close(release)
	<-exited
}
