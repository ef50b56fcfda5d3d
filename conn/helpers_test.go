//go:build linux
// +build linux

// File: conn/helpers_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package conn

import (
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/internal/concurrency"
	"github.com/momentics/hioload-tcp/reactor"
)

// countingSelector decorates the real selector, recording every
// interest-set transition it is asked for.
type countingSelector struct {
	api.Selector
	mu       sync.Mutex
	readOps  []bool
	writeOps []bool
}

func (cs *countingSelector) Update(ch api.Channel, ops api.Ops, add bool) {
	cs.mu.Lock()
	if ops.Has(api.OpRead) {
		cs.readOps = append(cs.readOps, add)
	}
	if ops.Has(api.OpWrite) {
		cs.writeOps = append(cs.writeOps, add)
	}
	cs.mu.Unlock()
	cs.Selector.Update(ch, ops, add)
}

func (cs *countingSelector) reads() []bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]bool(nil), cs.readOps...)
}

func (cs *countingSelector) writes() []bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]bool(nil), cs.writeOps...)
}

func countTrue(ops []bool) int {
	n := 0
	for _, on := range ops {
		if on {
			n++
		}
	}
	return n
}

// captureInterpreter records batches and the end-of-stream signal.
// With rearm set it requests the next batch after each delivery, the
// way a consuming application would.
type captureInterpreter struct {
	coord api.Coordinator
	rearm bool

	mu      sync.Mutex
	batches [][]byte
	dataCh  chan []byte
	closed  chan struct{}
}

func newCapture(coord api.Coordinator, rearm bool) *captureInterpreter {
	return &captureInterpreter{
		coord:  coord,
		rearm:  rearm,
		dataCh: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (ci *captureInterpreter) Read(buf []byte) {
	cp := append([]byte(nil), buf...)
	ci.mu.Lock()
	ci.batches = append(ci.batches, cp)
	ci.mu.Unlock()
	select {
	case ci.dataCh <- cp:
	default:
	}
	if ci.rearm {
		ci.coord.NeedsRead(true)
	}
}

func (ci *captureInterpreter) OnClose() { close(ci.closed) }

func (ci *captureInterpreter) batchCount() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.batches)
}

func (ci *captureInterpreter) waitBatch(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case b := <-ci.dataCh:
		return b
	case <-time.After(timeout):
		t.Fatal("timed out waiting for interpreter read")
		return nil
	}
}

func (ci *captureInterpreter) waitClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-ci.closed:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for end-of-stream")
	}
}

func mustSelector(t *testing.T) *reactor.Selector {
	t.Helper()
	sel, err := reactor.Open()
	if err != nil {
		t.Fatalf("open selector: %v", err)
	}
	t.Cleanup(func() {
		sel.Close()
		if !sel.Join(2 * time.Second) {
			t.Errorf("selector loop did not exit")
		}
	})
	return sel
}

func mustExecutor(t *testing.T) *concurrency.Executor {
	t.Helper()
	exec := concurrency.NewExecutor(2)
	t.Cleanup(exec.Close)
	return exec
}

// socketpairT returns a non-blocking fd for the channel side and a
// blocking *os.File for the test peer.
func socketpairT(t *testing.T) (int, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	peer := os.NewFile(uintptr(fds[1]), "peer")
	t.Cleanup(func() { peer.Close() })
	return fds[0], peer
}

// writerSuspended is a test probe into the backpressure slot.
func (c *Channel) writerSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

func waitCond(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
