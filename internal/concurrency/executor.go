// File: internal/concurrency/executor.go
// Package concurrency implements the worker pool that runs channel read
// tasks and interpreter callbacks off the selector goroutine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/internal/logging"
)

// Executor manages a fixed pool of worker goroutines fed from one
// shared queue. Submit never blocks the caller: when the queue is full
// the task runs on a throwaway goroutine instead, because a dropped
// task would be a lost read dispatch.
type Executor struct {
	log        zerolog.Logger
	queue      chan func()
	closeCh    chan struct{}
	closed     int32
	numWorkers int32

	totalTasks     int64
	completedTasks int64
}

var _ api.Executor = (*Executor)(nil)

// NewExecutor starts numWorkers workers; numWorkers <= 0 defaults to
// runtime.NumCPU().
func NewExecutor(numWorkers int) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	e := &Executor{
		log:        logging.New("executor"),
		queue:      make(chan func(), numWorkers*64),
		closeCh:    make(chan struct{}),
		numWorkers: int32(numWorkers),
	}
	for i := 0; i < numWorkers; i++ {
		go e.worker()
	}
	return e
}

// Submit implements api.Executor.
func (e *Executor) Submit(task func()) error {
	if atomic.LoadInt32(&e.closed) == 1 {
		return api.ErrExecutorClosed
	}
	atomic.AddInt64(&e.totalTasks, 1)
	select {
	case e.queue <- task:
	default:
		go e.executeTask(task)
	}
	return nil
}

// NumWorkers implements api.Executor.
func (e *Executor) NumWorkers() int {
	return int(atomic.LoadInt32(&e.numWorkers))
}

// Close stops the workers. Tasks already queued are abandoned; tasks
// already running finish.
func (e *Executor) Close() {
	if atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		close(e.closeCh)
	}
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"total_tasks":     atomic.LoadInt64(&e.totalTasks),
		"completed_tasks": atomic.LoadInt64(&e.completedTasks),
		"num_workers":     int64(e.NumWorkers()),
	}
}

func (e *Executor) worker() {
	for {
		select {
		case <-e.closeCh:
			return
		case task := <-e.queue:
			e.executeTask(task)
		}
	}
}

// executeTask runs the task, recovering panics so one bad interpreter
// cannot take a worker down.
func (e *Executor) executeTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("task panicked")
		}
		atomic.AddInt64(&e.completedTasks, 1)
	}()
	task()
}
