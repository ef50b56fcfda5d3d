//go:build linux
// +build linux

// File: conn/channel.go
// Package conn implements the per-connection channel and coordinator.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The channel performs the byte-level I/O on one non-blocking socket
// and translates transport events into coordinator notifications. The
// write path carries the backpressure handshake with application
// goroutines.

package conn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/internal/logging"
)

// DefaultAggressiveness is the number of back-to-back syscalls per
// readiness notification on both the read and the write path.
const DefaultAggressiveness = 2

// ReadHook performs one aggressive read pass into buf, returning the
// bytes read and whether EOF was observed. Replaceable for fault
// injection.
type ReadHook func(buf []byte) (n int, eof bool, err error)

// Channel wraps one non-blocking TCP socket.
type Channel struct {
	log   zerolog.Logger
	fd    int
	coord api.Coordinator
	pool  api.BufferPool

	direct    bool
	readAggr  int32
	writeAggr int32
	readHook  ReadHook

	mu     sync.Mutex
	cond   *sync.Cond
	writer bool // single writer slot: a goroutine is suspended on backpressure
	closed bool
	reg    api.Registration

	closedFlag int32
}

var _ api.Channel = (*Channel)(nil)

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithReadAggressiveness sets the read syscall budget per readiness.
func WithReadAggressiveness(n int) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.readAggr = int32(n)
		}
	}
}

// WithWriteAggressiveness sets the write syscall budget per iteration.
func WithWriteAggressiveness(n int) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.writeAggr = int32(n)
		}
	}
}

// WithDirectBuffers selects the pool's off-GC buffer path for reads.
func WithDirectBuffers(direct bool) ChannelOption {
	return func(c *Channel) { c.direct = direct }
}

// WithReadHook replaces the aggressive-read pass.
func WithReadHook(hook ReadHook) ChannelOption {
	return func(c *Channel) { c.readHook = hook }
}

// NewChannel wraps the non-blocking socket fd.
func NewChannel(fd int, coord api.Coordinator, pool api.BufferPool, opts ...ChannelOption) *Channel {
	c := &Channel{
		log:       logging.New("channel"),
		fd:        fd,
		coord:     coord,
		pool:      pool,
		readAggr:  DefaultAggressiveness,
		writeAggr: DefaultAggressiveness,
	}
	c.cond = sync.NewCond(&c.mu)
	if c.readHook == nil {
		c.readHook = c.readAggressively
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FD implements api.Channel.
func (c *Channel) FD() int { return c.fd }

// SetRegistration implements api.Channel.
func (c *Channel) SetRegistration(reg api.Registration) {
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
}

// Register registers the channel with interest set empty.
func (c *Channel) Register(sel api.Selector, l api.Listener) {
	sel.Register(c, l)
}

// Update implements api.Channel; runs on the selector goroutine.
func (c *Channel) Update(ops api.Ops, add bool) error {
	c.mu.Lock()
	reg, closed := c.reg, c.closed
	c.mu.Unlock()
	if closed || reg == nil {
		return api.ErrSocketClosed
	}
	return reg.Set(ops, add)
}

// ReadAggressiveness returns the current read syscall budget.
func (c *Channel) ReadAggressiveness() int {
	return int(atomic.LoadInt32(&c.readAggr))
}

// SetReadAggressiveness adjusts the read syscall budget at runtime.
func (c *Channel) SetReadAggressiveness(n int) {
	if n > 0 {
		atomic.StoreInt32(&c.readAggr, int32(n))
	}
}

// WriteAggressiveness returns the current write syscall budget.
func (c *Channel) WriteAggressiveness() int {
	return int(atomic.LoadInt32(&c.writeAggr))
}

// SetWriteAggressiveness adjusts the write syscall budget at runtime.
func (c *Channel) SetWriteAggressiveness(n int) {
	if n > 0 {
		atomic.StoreInt32(&c.writeAggr, int32(n))
	}
}

// Read acquires a buffer from the pool, performs one aggressive read
// pass and routes the outcome to the coordinator. The buffer goes back
// to the pool on every exit path.
func (c *Channel) Read(bufferSize int) error {
	buf := c.pool.Acquire(bufferSize, c.direct)
	defer c.pool.Release(buf)

	n, eof, err := c.readHook(buf)
	if err != nil {
		c.Close()
		if isClosedErr(err) {
			c.log.Debug().Int("fd", c.fd).Msg("channel closed during read")
			return api.ErrSocketClosed
		}
		c.log.Debug().Int("fd", c.fd).Err(err).Msg("unexpected read error")
		return fmt.Errorf("channel read: %w", err)
	}
	c.log.Debug().Int("fd", c.fd).Int("bytes", n).Msg("channel read")

	if n > 0 {
		c.coord.OnRead(buf[:n])
		if eof {
			c.coord.OnClose()
		}
		return nil
	}

	if eof || !c.isOpen() {
		c.Close()
		return api.ErrSocketClosed
	}
	// Zero bytes despite readiness: the notification was spurious, not
	// EOF. Ask the selector to tell us again.
	c.coord.NeedsRead(true)
	return nil
}

// readAggressively is the default ReadHook: up to ReadAggressiveness
// read syscalls, stopping on EOF or a real error. EAGAIN contributes
// nothing and is not a failure.
func (c *Channel) readAggressively(buf []byte) (int, bool, error) {
	aggr := c.ReadAggressiveness()
	pos := 0
	for i := 0; i < aggr; i++ {
		if pos == len(buf) {
			break
		}
		m, err := unix.Read(c.fd, buf[pos:])
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return pos, false, err
		}
		if m == 0 {
			return pos, true, nil
		}
		pos += m
	}
	return pos, false, nil
}

// Write writes all of p, suspending the calling goroutine on
// backpressure until the selector reports write readiness. At most one
// goroutine may be suspended per channel.
func (c *Channel) Write(p []byte) error {
	for len(p) > 0 {
		n, err := c.writeAggressively(p)
		p = p[n:]
		if err != nil {
			c.Close()
			if isClosedErr(err) {
				c.log.Debug().Int("fd", c.fd).Int("remaining", len(p)).Msg("channel closed during write")
				return api.ErrSocketClosed
			}
			c.log.Debug().Int("fd", c.fd).Err(err).Msg("unexpected write error")
			return fmt.Errorf("channel write: %w", err)
		}
		if len(p) == 0 {
			break
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return api.ErrSocketClosed
		}
		// NeedsWrite must be issued inside the monitor: otherwise the
		// selector can deliver writeReady before this goroutine records
		// itself in the writer slot and the notify is lost.
		c.coord.NeedsWrite(true)
		if c.writer {
			c.mu.Unlock()
			panic("hioload-tcp: concurrent write on channel")
		}
		c.writer = true
		for c.writer && !c.closed {
			c.log.Debug().Int("fd", c.fd).Int("remaining", len(p)).Msg("writer suspended on partial write")
			c.cond.Wait()
		}
		closed := c.closed
		c.writer = false
		c.mu.Unlock()
		if closed {
			return api.ErrSocketClosed
		}
		c.log.Debug().Int("fd", c.fd).Int("remaining", len(p)).Msg("writer resumed")
	}
	return nil
}

// writeAggressively performs one outer write iteration: up to
// WriteAggressiveness write syscalls, accumulating the bytes written.
// An inner call with nothing remaining, or answered with EAGAIN,
// contributes zero bytes to the iteration.
func (c *Channel) writeAggressively(p []byte) (int, error) {
	aggr := c.WriteAggressiveness()
	written := 0
	for i := 0; i < aggr; i++ {
		if written == len(p) {
			break
		}
		m, err := unix.Write(c.fd, p[written:])
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		written += m
	}
	return written, nil
}

// WriteReady clears the writer slot and wakes the suspended writer, if
// any. Safe to call spuriously; runs on the selector goroutine.
func (c *Channel) WriteReady() {
	c.mu.Lock()
	if c.writer {
		c.log.Debug().Int("fd", c.fd).Msg("write ready, signaling writer")
		c.writer = false
		c.cond.Signal()
	}
	c.mu.Unlock()
}

// Close is idempotent: it cancels the registration, closes the socket
// and wakes a writer suspended on backpressure.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	atomic.StoreInt32(&c.closedFlag, 1)
	reg := c.reg
	c.cond.Broadcast()
	c.mu.Unlock()

	c.log.Debug().Int("fd", c.fd).Msg("channel closing")
	if reg != nil {
		reg.Cancel()
	}
	return unix.Close(c.fd)
}

func (c *Channel) isOpen() bool {
	return atomic.LoadInt32(&c.closedFlag) == 0
}

// isClosedErr reports whether err marks a dead connection rather than
// an unexpected transport failure.
func isClosedErr(err error) bool {
	switch err {
	case unix.EBADF, unix.EPIPE, unix.ECONNRESET, unix.ENOTCONN, unix.ESHUTDOWN:
		return true
	}
	return false
}
