//go:build linux
// +build linux

// File: reactor/selector_linux.go
// Package reactor implements the readiness selector: one epoll instance
// driven by one loop goroutine, with all registration and interest-set
// mutation serialized through an internal task queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/internal/logging"
)

const maxEvents = 128

// Selector implements api.Selector over level-triggered epoll. An
// eventfd registered with the epoll instance wakes the loop when tasks
// arrive from other goroutines.
type Selector struct {
	log     zerolog.Logger
	epfd    int
	wakefd  int
	wakebuf []byte
	trigger uint32 // collapses concurrent wakeups onto one eventfd write
	tasks   *taskQueue
	regs    map[int]*registration // loop-goroutine confined
	loopID  uint64
	closed  uint32
	done    chan struct{}
}

var _ api.Selector = (*Selector)(nil)

// Open creates the epoll instance and the wakeup eventfd, then starts
// the loop goroutine.
func Open() (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	s := &Selector{
		log:     logging.New("reactor"),
		epfd:    epfd,
		wakefd:  wakefd,
		wakebuf: make([]byte, 8),
		tasks:   newTaskQueue(),
		regs:    make(map[int]*registration),
		done:    make(chan struct{}),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	go s.loop()
	return s, nil
}

// Register implements api.Selector.
func (s *Selector) Register(ch api.Channel, l api.Listener) {
	s.tasks.push(func() { s.register(ch, l) })
	s.Wakeup()
}

// Update implements api.Selector. Called from the loop goroutine the
// update is applied inline, so interest changes issued inside a
// dispatch take effect before the next epoll wait.
func (s *Selector) Update(ch api.Channel, ops api.Ops, add bool) {
	if goroutineID() == atomic.LoadUint64(&s.loopID) {
		s.update(ch, ops, add)
		return
	}
	s.tasks.push(func() { s.update(ch, ops, add) })
	s.Wakeup()
}

// Wakeup implements api.Selector. Idempotent: concurrent callers
// collapse onto a single eventfd write.
func (s *Selector) Wakeup() {
	if atomic.AddUint32(&s.trigger, 1) > 1 {
		return
	}
	if _, err := unix.Write(s.wakefd, []byte{0, 0, 0, 0, 0, 0, 0, 1}); err != nil && err != unix.EAGAIN {
		s.log.Debug().Err(err).Msg("wakeup write failed")
	}
}

// Close implements api.Selector.
func (s *Selector) Close() {
	s.tasks.push(s.shutdown)
	s.Wakeup()
}

// Join implements api.Selector.
func (s *Selector) Join(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Selector) loop() {
	atomic.StoreUint64(&s.loopID, goroutineID())
	s.log.Debug().Msg("selector loop entered")
	defer func() {
		s.log.Debug().Msg("selector loop exited")
		close(s.done)
	}()
	events := make([]unix.EpollEvent, maxEvents)
	for {
		s.runTasks()
		if atomic.LoadUint32(&s.closed) == 1 {
			return
		}
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// Multiplexer-level fault: take the selector down.
			s.log.Error().Err(err).Msg("epoll wait failed, closing selector")
			s.shutdown()
			return
		}
		for i := 0; i < n; i++ {
			s.dispatch(&events[i])
		}
	}
}

func (s *Selector) runTasks() {
	for {
		task, ok := s.tasks.pop()
		if !ok {
			return
		}
		task()
	}
}

func (s *Selector) dispatch(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == s.wakefd {
		unix.Read(s.wakefd, s.wakebuf)
		atomic.StoreUint32(&s.trigger, 0)
		return
	}
	reg, ok := s.regs[fd]
	if !ok || reg.isCancelled() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Int("fd", fd).Msg("listener panicked during dispatch")
		}
	}()
	// HUP and ERR dispatch as readable so the read path observes EOF.
	const readableMask = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	switch {
	case ev.Events&readableMask != 0 && reg.interest.Has(api.OpRead):
		reg.listener.ReadReady()
	case ev.Events&unix.EPOLLOUT != 0 && reg.interest.Has(api.OpWrite):
		reg.listener.WriteReady()
	}
}

// register runs on the loop goroutine.
func (s *Selector) register(ch api.Channel, l api.Listener) {
	fd := ch.FD()
	ev := unix.EpollEvent{Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		s.log.Debug().Int("fd", fd).Err(err).Msg("dropping registration for closed channel")
		return
	}
	reg := &registration{sel: s, fd: fd, listener: l}
	s.regs[fd] = reg
	ch.SetRegistration(reg)
	defer func() {
		if r := recover(); r != nil {
			// A half-registered channel must not wedge the loop.
			s.log.Error().Interface("panic", r).Int("fd", fd).Msg("listener panicked during open")
		}
	}()
	l.Open()
}

// update runs on the loop goroutine.
func (s *Selector) update(ch api.Channel, ops api.Ops, add bool) {
	if err := ch.Update(ops, add); err != nil {
		s.log.Debug().Int("fd", ch.FD()).Err(err).Msg("ignoring update for closed channel")
	}
}

// shutdown runs on the loop goroutine, either via the Close task or
// after a multiplexer fault.
func (s *Selector) shutdown() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	for fd, reg := range s.regs {
		reg.cancelFlag()
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Int("fd", fd).Msg("listener panicked during close")
				}
			}()
			reg.listener.Close()
		}()
	}
	s.regs = make(map[int]*registration)
	unix.Close(s.wakefd)
	unix.Close(s.epfd)
}

// deregister runs on the loop goroutine.
func (s *Selector) deregister(fd int) {
	if _, ok := s.regs[fd]; !ok {
		return
	}
	delete(s.regs, fd)
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func epollEvents(ops api.Ops) uint32 {
	var e uint32
	if ops.Has(api.OpRead) {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ops.Has(api.OpWrite) {
		e |= unix.EPOLLOUT
	}
	return e
}
