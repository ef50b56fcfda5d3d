//go:build linux
// +build linux

// File: conn/coordinator_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package conn

import (
	"testing"
	"time"

	"github.com/momentics/hioload-tcp/pool"
)

// Closing the selector fires the coordinator's Close exactly once,
// which reaches the interpreter as a single end-of-stream with no data
// deliveries.
func TestSelectorCloseDeliversEndOfStream(t *testing.T) {
	sel := mustSelector(t)
	cs := &countingSelector{Selector: sel}
	exec := mustExecutor(t)
	bp := pool.New()

	co := NewCoordinator(cs, exec)
	interp := newCapture(co, true)
	co.SetInterpreter(interp)

	fd, _ := socketpairT(t)
	ch := NewChannel(fd, co, bp)
	co.SetChannel(ch)
	ch.Register(cs, co)

	// The open callback arming READ marks registration complete.
	waitCond(t, 2*time.Second, "registration", func() bool { return len(cs.reads()) == 1 })

	sel.Close()
	interp.waitClosed(t, 5*time.Second)
	if n := interp.batchCount(); n != 0 {
		t.Fatalf("interpreter got %d batches, want 0", n)
	}
	if ch.isOpen() {
		t.Fatal("channel still open after selector close")
	}
}
