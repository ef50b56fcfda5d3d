// File: api/errors.go
// Package api defines the contracts of the non-blocking TCP I/O runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error kinds surfaced at the runtime boundary.

package api

import "fmt"

var (
	// ErrSocketClosed marks the expected-terminal condition on an
	// already-closed channel or a cancelled registration. Callers
	// translate it to end-of-stream; the connection is dead.
	ErrSocketClosed = fmt.Errorf("socket closed")

	// ErrSocketConnect marks a client connect failure.
	ErrSocketConnect = fmt.Errorf("socket connect")

	// ErrExecutorClosed is returned by Submit after the executor shut down.
	ErrExecutorClosed = fmt.Errorf("executor closed")
)
