//go:build linux

package ioready

import "golang.org/x/sys/unix"

// StopSignal is the portable equivalent spec section 9 calls for: "a
// non-blocking pipe, a semaphore readable through an fd, or a task-channel
// where the message is shutdown" — implemented as an eventfd, exactly the
// mechanism the thread coordinator (C9) uses to wake every worker at once.
type StopSignal struct {
	fd int
}

// NewStopSignal creates an unset eventfd-backed stop signal.
func NewStopSignal() (*StopSignal, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &StopSignal{fd: fd}, nil
}

// FD returns the file descriptor the worker's poller registers as the
// sentinel "stop" flow (spec section 4.8 step 2).
func (s *StopSignal) FD() int { return s.fd }

// Signal wakes every worker blocked on this signal's fd; write(2) to an
// eventfd is safe to call from the coordinator goroutine while the
// worker's poller concurrently reads it.
func (s *StopSignal) Signal() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(s.fd, buf[:])
	return err
}

// Drain consumes the pending wakeup value so a level-triggered
// registration does not keep re-firing.
func (s *StopSignal) Drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.fd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the eventfd.
func (s *StopSignal) Close() error {
	return unix.Close(s.fd)
}
