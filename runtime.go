package hxbench

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// DefaultWorkers is the worker thread count used by binaries that
// don't take it from the command line.
const DefaultWorkers = 6

// Runtime runs independent tasks on a fixed number of OS threads.
//
// Every task is a goroutine; the Go scheduler multiplexes them onto
// Workers threads and parks a task at each network read, write and
// timer wait, so a slow task doesn't hold a thread.
//
// Tasks are isolated: an error returned by a task, or a panic inside it,
// is logged and never reaches the caller of Go.
type Runtime struct {
	workers int
	lg      *zap.Logger

	wg     sync.WaitGroup
	active atomic.Int64
}

// NewRuntime creates Runtime with the given number of worker threads.
//
// NewRuntime sets runtime.GOMAXPROCS, which is process-wide.
func NewRuntime(workers int, lg *zap.Logger) (*Runtime, error) {
	if workers <= 0 {
		return nil, errors.Wrapf(ErrInvalidWorkers, "got %d", workers)
	}
	if lg == nil {
		lg = nopLogger
	}
	runtime.GOMAXPROCS(workers)
	return &Runtime{
		workers: workers,
		lg:      lg,
	}, nil
}

// Workers returns the number of worker threads.
func (r *Runtime) Workers() int {
	return r.workers
}

// Active returns the number of running tasks.
func (r *Runtime) Active() int64 {
	return r.active.Load()
}

// Go runs f as a new task. Fields are attached to the log entry
// written if f fails.
func (r *Runtime) Go(f func() error, fields ...zap.Field) {
	r.wg.Add(1)
	r.active.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)
		defer func() {
			if v := recover(); v != nil {
				r.lg.Error("Task panic",
					append(fields, zap.Any("panic", v), zap.StackSkip("stack", 1))...,
				)
			}
		}()

		if err := f(); err != nil {
			r.lg.Error("Task failed", append(fields, zap.Error(err))...)
		}
	}()
}

// Wait blocks until all tasks return.
func (r *Runtime) Wait() {
	r.wg.Wait()
}
