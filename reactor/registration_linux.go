//go:build linux
// +build linux

// File: reactor/registration_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
)

// registration links one channel fd to its listener and interest mask.
// The interest mask is confined to the loop goroutine; the cancelled
// flag is the only cross-goroutine state.
type registration struct {
	sel       *Selector
	fd        int
	listener  api.Listener
	interest  api.Ops
	cancelled uint32
}

var _ api.Registration = (*registration)(nil)

// Set implements api.Registration. Loop goroutine only.
func (r *registration) Set(ops api.Ops, add bool) error {
	if r.isCancelled() {
		return api.ErrSocketClosed
	}
	old := r.interest
	if add {
		r.interest |= ops
	} else {
		r.interest &^= ops
	}
	ev := unix.EpollEvent{Events: epollEvents(r.interest), Fd: int32(r.fd)}
	if err := unix.EpollCtl(r.sel.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev); err != nil {
		return api.ErrSocketClosed
	}
	r.sel.log.Debug().Int("fd", r.fd).
		Stringer("from", old).Stringer("to", r.interest).
		Msg("interest updated")
	return nil
}

// Cancel implements api.Registration. Safe from any goroutine; the
// actual table removal happens on the loop goroutine.
func (r *registration) Cancel() {
	if !atomic.CompareAndSwapUint32(&r.cancelled, 0, 1) {
		return
	}
	fd := r.fd
	r.sel.tasks.push(func() { r.sel.deregister(fd) })
	r.sel.Wakeup()
}

func (r *registration) cancelFlag() { atomic.StoreUint32(&r.cancelled, 1) }

func (r *registration) isCancelled() bool { return atomic.LoadUint32(&r.cancelled) == 1 }
