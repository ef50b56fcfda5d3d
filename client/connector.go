//go:build linux
// +build linux

// File: client/connector.go
// Package client implements the initiating connector: it dials TCP
// peers and runs the resulting sockets on the I/O runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/conn"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/internal/concurrency"
	"github.com/momentics/hioload-tcp/internal/logging"
	"github.com/momentics/hioload-tcp/internal/sockaddr"
	"github.com/momentics/hioload-tcp/pool"
	"github.com/momentics/hioload-tcp/reactor"
)

// Connector dials peers and owns the runtime its endpoints share.
type Connector struct {
	log     zerolog.Logger
	cfg     *control.Config
	factory api.InterpreterFactory

	sel     *reactor.Selector
	exec    *concurrency.Executor
	pool    api.BufferPool
	metrics *control.MetricsRegistry

	closeOnce sync.Once
}

// Endpoint is one established connection.
type Endpoint struct {
	co *conn.Coordinator
}

// Write sends p, blocking the caller on backpressure.
func (e *Endpoint) Write(p []byte) error { return e.co.Write(p) }

// Close tears the connection down and delivers end-of-stream to the
// interpreter.
func (e *Endpoint) Close() { e.co.Close() }

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithMetrics replaces the connector's metrics registry.
func WithMetrics(mr *control.MetricsRegistry) ConnectorOption {
	return func(c *Connector) { c.metrics = mr }
}

// NewConnector builds a connector with its own selector and worker
// pool. A nil cfg means defaults.
func NewConnector(cfg *control.Config, factory api.InterpreterFactory, opts ...ConnectorOption) (*Connector, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sel, err := reactor.Open()
	if err != nil {
		return nil, err
	}
	c := &Connector{
		log:     logging.New("client"),
		cfg:     cfg.Clone(),
		factory: factory,
		sel:     sel,
		exec:    concurrency.NewExecutor(cfg.Workers),
		pool:    pool.New(),
		metrics: control.NewMetricsRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials addr and registers the socket with the runtime.
// Failures surface ErrSocketConnect.
func (c *Connector) Connect(addr string) (*Endpoint, error) {
	sa, family, err := sockaddr.Resolve(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrSocketConnect, err)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrSocketConnect, err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w %s: %w", api.ErrSocketConnect, addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w %s: %w", api.ErrSocketConnect, addr, err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	co := conn.NewCoordinator(c.sel, c.exec,
		conn.WithReadBufferSize(c.cfg.ReadBufferSize),
		conn.WithMetrics(c.metrics),
	)
	ch := conn.NewChannel(fd, co, c.pool,
		conn.WithReadAggressiveness(c.cfg.ReadAggressiveness),
		conn.WithWriteAggressiveness(c.cfg.WriteAggressiveness),
		conn.WithDirectBuffers(c.cfg.DirectBuffers),
	)
	co.SetChannel(ch)
	co.SetInterpreter(c.factory.New(co))
	ch.Register(c.sel, co)
	c.log.Debug().Str("addr", addr).Int("fd", fd).Msg("connected")
	return &Endpoint{co: co}, nil
}

// Close shuts the connector's runtime down, notifying every live
// coordinator exactly once.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		c.sel.Close()
		c.exec.Close()
	})
}

// AwaitClosed waits for the selector loop to exit.
func (c *Connector) AwaitClosed(timeout time.Duration) bool {
	return c.sel.Join(timeout)
}
