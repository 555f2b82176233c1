package ioready

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Hook is the post-create/pre-close socket hook signature shared with the
// script slave (component C6): a protected call that either overrides a
// value (non-nil but zero err) or is absent (hook == nil), both of which
// are success as far as the vtable composition in spec section 4.7 is
// concerned. Fatal EHOOK* outcomes are the caller's (worker loop's)
// responsibility to translate into a returned error before this point, so
// Ops never sees the distinction between EHOOKEMPTY/EHOOKRETVAL and a hook
// that legitimately returned nothing.
type Hook func(fd int) (override int, err error)

// Ops is the fixed socket operation table of spec section 4.7: {open,
// bind, listen, accept, connect, close, wait}. Any field may be nil,
// meaning "no-op, return success" for that operation.
type Ops struct {
	Open    func(nonblocking bool) (fd int, err error)
	Bind    func(fd int, addr unix.Sockaddr) error
	Listen  func(fd int, backlog int) error
	Accept  func(fd int) (newfd int, addr unix.Sockaddr, err error)
	Connect func(fd int, addr unix.Sockaddr) error
	Close   func(fd int) error
	// Wait lets a backend (chiefly the dummy test backend) inject
	// synchronous blocking semantics the epoll poller would otherwise
	// supply; real TCP/UDP traffic relies on the poller instead and
	// leaves this nil.
	Wait func(fd int) error
}

// TCPOps is the prebuilt dual-stack (AF_INET6) stream-socket vtable (spec
// section 4.7: tcp_ops), equivalent to TCPOpsFamily(unix.AF_INET6).
var TCPOps = TCPOpsFamily(unix.AF_INET6)

// UDPOps is the prebuilt dual-stack (AF_INET6) datagram-socket vtable
// (spec section 4.7: udp_ops), equivalent to UDPOpsFamily(unix.AF_INET6).
var UDPOps = UDPOpsFamily(unix.AF_INET6)

// TCPOpsFamily builds tcp_ops pinned to a specific address family, letting
// spec section 6's -4/-6 force IPv4-only or IPv6-only sockets instead of
// the default dual-stack AF_INET6 every flow would otherwise use.
func TCPOpsFamily(family int) Ops {
	return Ops{
		Open: func(nonblocking bool) (int, error) {
			flags := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
			if nonblocking {
				flags |= unix.SOCK_NONBLOCK
			}
			return unix.Socket(family, flags, 0)
		},
		Bind: func(fd int, addr unix.Sockaddr) error {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				return err
			}
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				return err
			}
			return unix.Bind(fd, addr)
		},
		Listen:  func(fd int, backlog int) error { return unix.Listen(fd, backlog) },
		Accept:  acceptNonblocking,
		Connect: func(fd int, addr unix.Sockaddr) error { return unix.Connect(fd, addr) },
		Close:   func(fd int) error { return unix.Close(fd) },
	}
}

// UDPOpsFamily builds udp_ops pinned to a specific address family (spec
// section 6's -4/-6). Listen/Accept are absent: datagram sockets have no
// listen backlog or connection acceptance, which the zero value's "no-op,
// return success" semantics expresses directly.
func UDPOpsFamily(family int) Ops {
	return Ops{
		Open: func(nonblocking bool) (int, error) {
			flags := unix.SOCK_DGRAM | unix.SOCK_CLOEXEC
			if nonblocking {
				flags |= unix.SOCK_NONBLOCK
			}
			return unix.Socket(family, flags, 0)
		},
		Bind: func(fd int, addr unix.Sockaddr) error {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				return err
			}
			return unix.Bind(fd, addr)
		},
		Connect: func(fd int, addr unix.Sockaddr) error { return unix.Connect(fd, addr) },
		Close:   func(fd int) error { return unix.Close(fd) },
	}
}

func acceptNonblocking(fd int) (int, unix.Sockaddr, error) {
	nfd, addr, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, addr, nil
}

// DoOpen performs ops.Open (if present) and then the post-create socket
// hook, exactly as spec section 4.7 describes do_socket_open: "composes
// ops.open with the post-create socket hook". A present hook's override
// value replaces the returned fd when non-zero, letting a script swap in
// a different descriptor.
func DoOpen(ops Ops, nonblocking bool, hook Hook) (int, error) {
	var fd int
	var err error
	if ops.Open != nil {
		fd, err = ops.Open(nonblocking)
		if err != nil {
			return -1, err
		}
	}
	if hook != nil {
		override, herr := hook(fd)
		if herr != nil {
			return fd, herr
		}
		if override != 0 {
			fd = override
		}
	}
	return fd, nil
}

// DoClose performs the pre-close socket hook and then ops.Close, exactly
// as spec section 4.7 describes do_socket_close: "composes the pre-close
// hook with ops.close".
func DoClose(ops Ops, fd int, hook Hook) error {
	if hook != nil {
		if _, err := hook(fd); err != nil {
			return err
		}
	}
	if ops.Close != nil {
		return ops.Close(fd)
	}
	return nil
}

// dummyRegistry backs Dummy(): an in-memory-only vtable for tests,
// grounded on spec section 9's note that the source's dummy_test.c
// backend leaks sockets on purpose ("XXX: Leak sockfd[1]") — a
// test-harness artifact this implementation does not reproduce: every fd
// Dummy hands out is closed by its Close operation, and DummyPeers tracks
// the surviving peer fd so a test can close it too.
type dummyRegistry struct {
	mu     sync.Mutex
	peerOf map[int]int
}

// Dummy returns a null transport backed by a real AF_UNIX socketpair(2)
// per Open call (spec section 9's "dummy backend", detailed further in
// SPEC_FULL's supplemented features): Open hands the worker loop one end
// of the pair as a genuinely epoll-compatible fd, and DummyPeers exposes
// the other end so a test can drive both sides of a fake connection
// without a kernel network socket. It exists exclusively for tests.
func Dummy() (Ops, *DummyPeers) {
	reg := &dummyRegistry{peerOf: make(map[int]int)}
	peers := &DummyPeers{reg: reg}

	ops := Ops{
		Open: func(nonblocking bool) (int, error) {
			typ := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
			if nonblocking {
				typ |= unix.SOCK_NONBLOCK
			}
			fds, err := unix.Socketpair(unix.AF_UNIX, typ, 0)
			if err != nil {
				return -1, err
			}
			reg.mu.Lock()
			reg.peerOf[fds[0]] = fds[1]
			reg.mu.Unlock()
			return fds[0], nil
		},
		Close: func(fd int) error {
			return unix.Close(fd)
		},
	}
	return ops, peers
}

// DummyPeers exposes the peer fd of each pair Dummy's Ops.Open created.
type DummyPeers struct {
	reg *dummyRegistry
}

// Peer returns the test-facing fd paired with the worker-facing fd, and
// closes it out of the registry's bookkeeping once returned — the caller
// now owns it and must close it itself.
func (d *DummyPeers) Peer(fd int) (int, bool) {
	d.reg.mu.Lock()
	defer d.reg.mu.Unlock()
	p, ok := d.reg.peerOf[fd]
	if ok {
		delete(d.reg.peerOf, fd)
	}
	return p, ok
}
