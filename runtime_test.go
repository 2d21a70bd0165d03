package hxbench

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRuntimeInvalid(t *testing.T) {
	for _, workers := range []int{0, -1, -100} {
		_, err := NewRuntime(workers, nil)
		require.ErrorIs(t, err, ErrInvalidWorkers)
	}
}

func TestNewRuntime(t *testing.T) {
	prev := runtime.GOMAXPROCS(0)
	t.Cleanup(func() { runtime.GOMAXPROCS(prev) })

	rt, err := NewRuntime(3, nil)
	require.NoError(t, err)
	require.Equal(t, 3, rt.Workers())
	require.Equal(t, 3, runtime.GOMAXPROCS(0))
}

func TestRuntimeIsolation(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	rt, err := NewRuntime(runtime.GOMAXPROCS(0), zap.New(core))
	require.NoError(t, err)

	rt.Go(func() error {
		return errors.New("boom")
	}, zap.String("task", "failing"))
	rt.Go(func() error {
		panic("test")
	}, zap.String("task", "panicking"))
	rt.Go(func() error {
		return nil
	})
	rt.Wait()

	require.Zero(t, rt.Active())

	failed := logs.FilterMessage("Task failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, "boom", failed[0].ContextMap()["error"])
	require.Equal(t, "failing", failed[0].ContextMap()["task"])

	panicked := logs.FilterMessage("Task panic").All()
	require.Len(t, panicked, 1)
	require.Equal(t, "panicking", panicked[0].ContextMap()["task"])
	require.Equal(t, "test", panicked[0].ContextMap()["panic"])
}

func TestRuntimeNoStarvation(t *testing.T) {
	prev := runtime.GOMAXPROCS(0)
	t.Cleanup(func() { runtime.GOMAXPROCS(prev) })

	rt, err := NewRuntime(1, nil)
	require.NoError(t, err)

	// Every task blocks until all of them have started, which is only
	// possible if a blocked task doesn't hold the single thread.
	const tasks = 100
	var (
		started sync.WaitGroup
		all     = make(chan struct{})
	)
	started.Add(tasks)
	for i := 0; i < tasks; i++ {
		rt.Go(func() error {
			started.Done()
			<-all
			return nil
		})
	}
	go func() {
		started.Wait()
		close(all)
	}()

	done := make(chan struct{})
	go func() {
		rt.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}
