//go:build linux
// +build linux

// File: server/server.go
// Package server implements the accepting connector: it owns a
// listening socket, a selector, a worker pool and a buffer pool, and
// wires one channel + coordinator + interpreter per accepted socket.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"sync"
	"sync/atomic"
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

const acceptBacklog = 128

// Server accepts TCP connections and runs them on the I/O runtime.
type Server struct {
	log     zerolog.Logger
	cfg     atomic.Value // *control.Config
	factory api.InterpreterFactory

	sel     *reactor.Selector
	exec    *concurrency.Executor
	pool    api.BufferPool
	metrics *control.MetricsRegistry

	lfd  int
	port int

	closeOnce sync.Once
	closing   int32
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics replaces the server's metrics registry.
func WithMetrics(mr *control.MetricsRegistry) ServerOption {
	return func(s *Server) { s.metrics = mr }
}

// WithBufferPool replaces the server's buffer pool.
func WithBufferPool(p api.BufferPool) ServerOption {
	return func(s *Server) { s.pool = p }
}

// WithWatcher subscribes the server to config hot-reload; new
// connections pick up the reloaded tunables.
func WithWatcher(w *control.Watcher) ServerOption {
	return func(s *Server) {
		w.OnChange(func(_, newCfg *control.Config) {
			s.cfg.Store(newCfg)
			s.log.Info().Msg("applied reloaded config to new connections")
		})
	}
}

// NewServer builds the server and its runtime components. A nil cfg
// means defaults.
func NewServer(cfg *control.Config, factory api.InterpreterFactory, opts ...ServerOption) (*Server, error) {
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
	s := &Server{
		log:     logging.New("server"),
		factory: factory,
		sel:     sel,
		exec:    concurrency.NewExecutor(cfg.Workers),
		pool:    pool.New(),
		metrics: control.NewMetricsRegistry(),
		lfd:     -1,
	}
	s.cfg.Store(cfg.Clone())
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Listen binds the configured address and starts the accept loop,
// returning the bound port.
func (s *Server) Listen() (int, error) {
	cfg := s.config()
	sa, family, err := sockaddr.Resolve(cfg.ListenAddr)
	if err != nil {
		return 0, err
	}
	lfd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("listen socket: %w", err)
	}
	_ = unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(lfd, sa); err != nil {
		unix.Close(lfd)
		return 0, fmt.Errorf("bind %s: %w", cfg.ListenAddr, err)
	}
	if err := unix.Listen(lfd, acceptBacklog); err != nil {
		unix.Close(lfd)
		return 0, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	s.lfd = lfd
	s.port = boundPort(lfd)
	s.log.Info().Str("addr", cfg.ListenAddr).Int("port", s.port).Msg("listening")
	go s.acceptLoop()
	return s.port, nil
}

// Port returns the bound port after Listen.
func (s *Server) Port() int { return s.port }

// Metrics exposes the server's counter registry.
func (s *Server) Metrics() *control.MetricsRegistry { return s.metrics }

// Close stops accepting, closes the selector (notifying every live
// coordinator exactly once) and shuts the worker pool down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closing, 1)
		if s.lfd >= 0 {
			unix.Close(s.lfd)
		}
		s.sel.Close()
		s.exec.Close()
	})
}

// AwaitClosed waits for the selector loop to exit.
func (s *Server) AwaitClosed(timeout time.Duration) bool {
	return s.sel.Join(timeout)
}

func (s *Server) config() *control.Config {
	return s.cfg.Load().(*control.Config)
}

func (s *Server) acceptLoop() {
	for {
		nfd, _, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			if atomic.LoadInt32(&s.closing) == 0 {
				s.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		s.metrics.Add(control.MetricAccepts, 1)
		s.newConnection(nfd)
	}
}

// newConnection wires channel, coordinator and interpreter for one
// accepted socket and hands it to the selector.
func (s *Server) newConnection(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	cfg := s.config()
	co := conn.NewCoordinator(s.sel, s.exec,
		conn.WithReadBufferSize(cfg.ReadBufferSize),
		conn.WithMetrics(s.metrics),
	)
	ch := conn.NewChannel(fd, co, s.pool,
		conn.WithReadAggressiveness(cfg.ReadAggressiveness),
		conn.WithWriteAggressiveness(cfg.WriteAggressiveness),
		conn.WithDirectBuffers(cfg.DirectBuffers),
	)
	co.SetChannel(ch)
	co.SetInterpreter(s.factory.New(co))
	ch.Register(s.sel, co)
}

func boundPort(fd int) int {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	}
	return 0
}
