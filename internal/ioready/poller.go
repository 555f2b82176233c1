//go:build linux

// Package ioready implements the readiness-multiplexer and flow registry
// (components C2 and C7) the worker loop (C8) builds on: an epoll-backed
// poller, a stable per-fd flow registry, and the socket op vtable that lets
// TCP, UDP, and a dummy backend share one worker loop.
package ioready

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct fd-indexed arrays; a benchmark worker thread never
// approaches this in practice (it owns a small slice of the total flow
// count), so this sizes like the teacher's FastPoller rather than growing
// dynamically.
const maxFDs = 65536

// Events is a bitmask of readiness conditions, loosely modeled on the
// teacher's IOEvents but widened with EventReadHangup since the worker
// loop's stream policy (spec section 4.8) treats EPOLLRDHUP distinctly
// from a plain hangup.
type Events uint32

const (
	EventReadable Events = 1 << iota
	EventWritable
	EventError
	EventHangup
	EventReadHangup
)

// Callback is invoked with the readiness conditions observed on a
// registered fd.
type Callback func(Events)

type fdInfo struct {
	callback Callback
	events   Events
	active   bool
}

// Poller is an epoll(7)-backed readiness multiplexer, one per worker
// thread. It is not safe for concurrent registration calls from multiple
// goroutines while Wait is also running on another thread, mirroring the
// single-threaded-per-worker model of spec section 5 — the RWMutex here
// exists only to let Wait's dispatch loop and a rare cross-thread
// UnregisterFD (used by flow teardown under section 4.2) overlap safely.
type Poller struct {
	epfd     int
	version  atomic.Uint64
	eventBuf []unix.EpollEvent
	fds      [maxFDs]fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

// NewPoller creates and initializes an epoll instance sized for at most
// maxEvents readiness notifications per Wait call (the --maxevents flag,
// spec section 6).
func NewPoller(maxEvents int) (*Poller, error) {
	if maxEvents < 1 {
		maxEvents = 1
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:     epfd,
		eventBuf: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Close releases the epoll instance. Registered fds are not closed; that
// remains the caller's responsibility (spec section 4.2: "Closing the fd
// is the caller's responsibility").
func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

// epollFlags translates events into epoll flags; edgeTriggered, passed
// through from Register/Modify, ORs in EPOLLET, implementing
// -E/--edge-trigger.
func (p *Poller) epollFlags(events Events, edgeTriggered bool) uint32 {
	var f uint32
	if events&EventReadable != 0 {
		f |= unix.EPOLLIN
	}
	if events&EventWritable != 0 {
		f |= unix.EPOLLOUT
	}
	if events&EventReadHangup != 0 {
		f |= unix.EPOLLRDHUP
	}
	if edgeTriggered {
		f |= unix.EPOLLET
	}
	return f
}

// Register adds fd to the poller, invoking cb with the observed events on
// every Wait that reports readiness for it.
func (p *Poller) Register(fd int, events Events, edgeTriggered bool, cb Callback) error {
	if p.closed.Load() {
		return unix.EBADF
	}
	if fd < 0 || fd >= maxFDs {
		return unix.EINVAL
	}

	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return unix.EEXIST
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := unix.EpollEvent{Events: p.epollFlags(events, edgeTriggered), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

// Modify changes the events monitored for an already-registered fd.
func (p *Poller) Modify(fd int, events Events, edgeTriggered bool) error {
	if fd < 0 || fd >= maxFDs {
		return unix.EINVAL
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return unix.ENOENT
	}
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := unix.EpollEvent{Events: p.epollFlags(events, edgeTriggered), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Unregister removes fd from the poller. The registry (registry.go) calls this
// before releasing a flow's memory, preserving the ordering invariant of
// spec section 4.2 ("removal happen[s] strictly after the last readiness
// callback").
func (p *Poller) Unregister(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return unix.EINVAL
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return unix.ENOENT
	}
	p.fds[fd] = fdInfo{}
	p.version.Add(1)
	p.fdMu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to timeoutMs (or indefinitely, if negative) and
// dispatches each ready fd's callback. EINTR is retried transparently
// (spec section 7.2), returning (0, nil) rather than propagating it up
// the worker loop.
func (p *Poller) Wait(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, unix.EBADF
	}

	v := p.version.Load()

	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	if p.version.Load() != v {
		// Registrations changed mid-wait (a flow was dropped by another
		// path); the event buffer may reference a retired fd, so discard
		// this batch rather than risk calling into freed flow state.
		return 0, nil
	}

	p.dispatch(n)
	return n, nil
}

func (p *Poller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()
		if !info.active || info.callback == nil {
			continue
		}
		info.callback(epollToEvents(p.eventBuf[i].Events))
	}
}

func epollToEvents(raw uint32) Events {
	var e Events
	if raw&unix.EPOLLIN != 0 {
		e |= EventReadable
	}
	if raw&unix.EPOLLOUT != 0 {
		e |= EventWritable
	}
	if raw&unix.EPOLLERR != 0 {
		e |= EventError
	}
	if raw&unix.EPOLLHUP != 0 {
		e |= EventHangup
	}
	if raw&unix.EPOLLRDHUP != 0 {
		e |= EventReadHangup
	}
	return e
}
