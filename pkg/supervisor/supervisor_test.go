package supervisor

import (
	"cluster-task-queue/pkg/queue"
	"cluster-task-queue/pkg/storage"
	"cluster-task-queue/pkg/worker"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func runSupervisor(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func blockUntilStopped(ctx context.Context, id int) error {
	<-ctx.Done()
	return nil
}

func TestNewDefaultsToCPUCount(t *testing.T) {
	s := New(&FuncSpawner{Fn: blockUntilStopped}, 0)
	assert.Equal(t, runtime.NumCPU(), s.Size())
}

func TestRunKeepsPoolSizeAndStopsAll(t *testing.T) {
	s := New(&FuncSpawner{Fn: blockUntilStopped}, 3)
	cancel, errc := runSupervisor(t, s)

	require.Eventually(t, func() bool { return len(s.Alive()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, s.Alive())

	cancel()
	require.NoError(t, <-errc)
	assert.Empty(t, s.Alive())
	assert.Zero(t, s.Restarts())
}

func TestCrashedWorkerIsReplacedOnce(t *testing.T) {
	crash := make(chan struct{})
	var spawned atomic.Int32
	sp := &FuncSpawner{Fn: func(ctx context.Context, id int) error {
		spawned.Add(1)
		select {
		case <-ctx.Done():
			return nil
		case <-crash:
			return errors.New("simulated fault")
		}
	}}
	core, logs := observer.New(zap.InfoLevel)
	s := New(sp, 4, WithLogger(zap.New(core)))
	cancel, errc := runSupervisor(t, s)

	require.Eventually(t, func() bool { return spawned.Load() == 4 }, time.Second, time.Millisecond)
	crash <- struct{}{}

	require.Eventually(t, func() bool {
		return s.Restarts() == 1 && len(s.Alive()) == 4
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(5), spawned.Load(), "exactly one replacement")
	assert.Contains(t, s.Alive(), 5)

	died := logs.FilterMessageSnippet("died. Restarting...").All()
	require.Len(t, died, 1)
	assert.NotContains(t, s.Alive(), func() int {
		var id int
		_, _ = fmt.Sscanf(died[0].Message, "Worker %d died.", &id)
		return id
	}())

	cancel()
	require.NoError(t, <-errc)
}

func TestRestartIgnoresExitReason(t *testing.T) {
	sp := &FuncSpawner{Fn: func(ctx context.Context, id int) error {
		switch id {
		case 1:
			return nil
		case 2:
			panic("worker blew up")
		}
		<-ctx.Done()
		return nil
	}}
	s := New(sp, 2)
	cancel, errc := runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return s.Restarts() == 2 && len(s.Alive()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int{3, 4}, s.Alive())

	cancel()
	require.NoError(t, <-errc)
}

func TestCrashLoopKeepsRestarting(t *testing.T) {
	sp := &FuncSpawner{Fn: func(ctx context.Context, id int) error {
		return errors.New("always failing")
	}}
	s := New(sp, 2)
	cancel, errc := runSupervisor(t, s)

	require.Eventually(t, func() bool { return s.Restarts() > 50 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Empty(t, s.Alive())
}

type failingSpawner struct {
	inner *FuncSpawner
	left  atomic.Int32
}

func (f *failingSpawner) Spawn(ctx context.Context) (Handle, error) {
	if f.left.Add(-1) < 0 {
		return nil, errors.New("fork failed")
	}
	return f.inner.Spawn(ctx)
}

func TestRunFailsWhenReplacementCannotSpawn(t *testing.T) {
	crash := make(chan struct{})
	sp := &failingSpawner{inner: &FuncSpawner{Fn: func(ctx context.Context, id int) error {
		select {
		case <-ctx.Done():
			return nil
		case <-crash:
			return errors.New("fault")
		}
	}}}
	sp.left.Store(2)
	s := New(sp, 2)
	_, errc := runSupervisor(t, s)

	require.Eventually(t, func() bool { return len(s.Alive()) == 2 }, time.Second, time.Millisecond)
	crash <- struct{}{}

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fork failed")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after spawn failure")
	}
	assert.Empty(t, s.Alive())
}

func TestStartTwice(t *testing.T) {
	s := New(&FuncSpawner{Fn: blockUntilStopped}, 1)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.shutdown()
}

func TestPoolProcessesEveryTaskExactlyOnce(t *testing.T) {
	client := storage.NewMemoryClient()
	defer client.Close()

	var mu sync.Mutex
	counts := make(map[string]int)
	sp := &FuncSpawner{Fn: func(ctx context.Context, id int) error {
		w := &worker.Worker{
			ID:     fmt.Sprint(id),
			Client: client,
			Queue:  "task-queue",
			Handler: func(ctx context.Context, task queue.Task) error {
				mu.Lock()
				counts[task.Payload]++
				mu.Unlock()
				return nil
			},
		}
		return w.Run(ctx)
	}}
	s := New(sp, 4)
	cancel, errc := runSupervisor(t, s)

	const total = 200
	for i := 0; i < total; i++ {
		require.NoError(t, client.Push(context.Background(), "task-queue", fmt.Sprintf("Message %d", i)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) == total
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	for p, n := range counts {
		assert.Equal(t, 1, n, "task %s processed %d times", p, n)
	}
	n, _ := client.Len(context.Background(), "task-queue")
	assert.Zero(t, n)
}

func TestFaultyTaskTakesDownOneWorkerWhichIsReplaced(t *testing.T) {
	ctx := context.Background()
	client := storage.NewMemoryClient()
	defer client.Close()

	var processed sync.Map
	sp := &FuncSpawner{Fn: func(ctx context.Context, id int) error {
		w := &worker.Worker{
			ID:     fmt.Sprint(id),
			Client: client,
			Queue:  "q",
			Handler: func(ctx context.Context, task queue.Task) error {
				if task.Payload == "poison" {
					panic("malformed task")
				}
				processed.Store(task.Payload, true)
				return nil
			},
		}
		return w.Run(ctx)
	}}
	s := New(sp, 1)
	cancel, errc := runSupervisor(t, s)

	require.NoError(t, client.Push(ctx, "q", "poison"))
	require.NoError(t, client.Push(ctx, "q", "after"))

	require.Eventually(t, func() bool {
		_, ok := processed.Load("after")
		return ok
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int64(1), s.Restarts(), "the poison task is gone after one crash")
	_, poisoned := processed.Load("poison")
	assert.False(t, poisoned)

	cancel()
	require.NoError(t, <-errc)
}

// fixedHandle is a unit whose id is chosen by the test, like a reused pid.
type fixedHandle struct{ id int }

func (h *fixedHandle) ID() int     { return h.id }
func (h *fixedHandle) Wait() error { return nil }
func (h *fixedHandle) Stop() error { return nil }

func TestStaleExitKeepsUnitWithReusedID(t *testing.T) {
	s := New(&FuncSpawner{Fn: blockUntilStopped}, 1)
	current := &fixedHandle{id: 7}
	s.workers[7] = current

	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.onWorkerExit(stopped, exitEvent{handle: &fixedHandle{id: 7}, err: errors.New("old unit")}))
	assert.Equal(t, []int{7}, s.Alive(), "newer unit with the same id is still tracked")

	require.NoError(t, s.onWorkerExit(stopped, exitEvent{handle: current}))
	assert.Empty(t, s.Alive())
}
