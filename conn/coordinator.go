// File: conn/coordinator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The coordinator owns the policy of what happens when a channel turns
// readable or writable: it bridges selector callbacks to worker-pool
// tasks and issues interest-set requests back to the selector.

package conn

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/internal/logging"
)

// DefaultReadBufferSize is used when no configuration is supplied.
const DefaultReadBufferSize = 64 * 1024

// Coordinator implements api.Listener toward the selector and
// api.Coordinator toward the channel. It lives exactly as long as its
// channel.
type Coordinator struct {
	log  zerolog.Logger
	sel  api.Selector
	exec api.Executor

	ch      *Channel
	interp  api.Interpreter
	metrics *control.MetricsRegistry

	readBufferSize int

	closeOnce sync.Once
	eosOnce   sync.Once
}

var (
	_ api.Listener    = (*Coordinator)(nil)
	_ api.Coordinator = (*Coordinator)(nil)
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithReadBufferSize sets the per-read buffer size.
func WithReadBufferSize(n int) CoordinatorOption {
	return func(co *Coordinator) {
		if n > 0 {
			co.readBufferSize = n
		}
	}
}

// WithMetrics wires the coordinator's counters into a registry.
func WithMetrics(mr *control.MetricsRegistry) CoordinatorOption {
	return func(co *Coordinator) { co.metrics = mr }
}

// NewCoordinator builds a coordinator on the given selector and worker
// pool. Bind the channel and the interpreter before registering.
func NewCoordinator(sel api.Selector, exec api.Executor, opts ...CoordinatorOption) *Coordinator {
	co := &Coordinator{
		log:            logging.New("coordinator"),
		sel:            sel,
		exec:           exec,
		readBufferSize: DefaultReadBufferSize,
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// SetChannel binds the channel the coordinator owns.
func (co *Coordinator) SetChannel(ch *Channel) { co.ch = ch }

// SetInterpreter binds the application interpreter.
func (co *Coordinator) SetInterpreter(i api.Interpreter) { co.interp = i }

// Channel returns the owned channel.
func (co *Coordinator) Channel() *Channel { return co.ch }

// Open implements api.Listener: a freshly registered connection starts
// with READ interest enabled.
func (co *Coordinator) Open() {
	co.sel.Update(co.ch, api.OpRead, true)
}

// ReadReady implements api.Listener. READ interest is cleared before
// the worker dispatch, so no second read task can fire until the read
// path explicitly re-arms.
func (co *Coordinator) ReadReady() {
	co.metrics.Add(control.MetricDispatches, 1)
	co.NeedsRead(false)
	if err := co.exec.Submit(co.readTask); err != nil {
		co.log.Debug().Err(err).Msg("dropping read dispatch, executor closed")
	}
}

// WriteReady implements api.Listener. The notify-only operation is
// cheap, so it runs inline on the selector goroutine.
func (co *Coordinator) WriteReady() {
	co.NeedsWrite(false)
	co.ch.WriteReady()
}

// Close implements api.Listener.
func (co *Coordinator) Close() {
	co.closeOnce.Do(func() {
		co.metrics.Add(control.MetricCloses, 1)
		co.ch.Close()
		co.eos()
	})
}

// OnRead implements api.Coordinator: one delivery per non-empty read.
func (co *Coordinator) OnRead(buf []byte) {
	co.metrics.Add(control.MetricReads, 1)
	co.metrics.Add(control.MetricBytesRead, int64(len(buf)))
	co.interp.Read(buf)
}

// OnClose implements api.Coordinator: end-of-stream kills the channel.
func (co *Coordinator) OnClose() {
	co.ch.Close()
	co.eos()
}

// NeedsRead implements api.Coordinator.
func (co *Coordinator) NeedsRead(on bool) {
	co.sel.Update(co.ch, api.OpRead, on)
}

// NeedsWrite implements api.Coordinator.
func (co *Coordinator) NeedsWrite(on bool) {
	co.sel.Update(co.ch, api.OpWrite, on)
}

// Write sends p through the owned channel, accounting the bytes.
// Interpreters run on worker goroutines and may block here on
// backpressure.
func (co *Coordinator) Write(p []byte) error {
	err := co.ch.Write(p)
	if err == nil {
		co.metrics.Add(control.MetricWrites, 1)
		co.metrics.Add(control.MetricBytesWritten, int64(len(p)))
	}
	return err
}

// readTask runs on a worker goroutine.
func (co *Coordinator) readTask() {
	if err := co.ch.Read(co.readBufferSize); err != nil {
		// Terminal for the connection: the channel has closed itself,
		// deliver end-of-stream.
		co.log.Debug().Err(err).Msg("read terminated connection")
		co.eos()
	}
}

// eos delivers end-of-stream to the interpreter at most once.
func (co *Coordinator) eos() {
	co.eosOnce.Do(func() {
		if co.interp != nil {
			co.interp.OnClose()
		}
	})
}
