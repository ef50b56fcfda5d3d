// File: conn/echo.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package conn

import "github.com/momentics/hioload-tcp/api"

// EchoInterpreter writes every received batch back to the peer, then
// re-arms READ interest for the next one.
type EchoInterpreter struct {
	coord *Coordinator
}

var _ api.Interpreter = (*EchoInterpreter)(nil)

// NewEchoInterpreter builds an echo interpreter on the runtime's
// standard coordinator.
func NewEchoInterpreter(coord *Coordinator) *EchoInterpreter {
	return &EchoInterpreter{coord: coord}
}

// Read implements api.Interpreter. The echo write may block on
// backpressure; that is fine on a worker goroutine.
func (e *EchoInterpreter) Read(buf []byte) {
	out := make([]byte, len(buf))
	copy(out, buf)
	if err := e.coord.Write(out); err != nil {
		return
	}
	e.coord.NeedsRead(true)
}

// OnClose implements api.Interpreter.
func (e *EchoInterpreter) OnClose() {}

// EchoFactory builds echo interpreters for the server and client
// connectors, which construct standard coordinators.
func EchoFactory() api.InterpreterFactory {
	return api.InterpreterFactoryFunc(func(c api.Coordinator) api.Interpreter {
		return NewEchoInterpreter(c.(*Coordinator))
	})
}
