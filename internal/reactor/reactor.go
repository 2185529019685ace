// Package reactor provides the readiness-multiplexing primitive that drives the
// delivery engine: components register interest in descriptors each cycle, the
// reactor blocks once in poll(2), and components then query readiness.
package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Events is a poll(2) interest or readiness mask.
type Events int16

// Interest and readiness bits. EventHangup and EventError are only reported,
// never requested.
const (
	EventRead   Events = unix.POLLIN
	EventWrite  Events = unix.POLLOUT
	EventHangup Events = unix.POLLHUP
	EventError  Events = unix.POLLERR
)

// NoTimeout registers a descriptor without bounding the wait.
const NoTimeout time.Duration = -1

// Reactor collects registrations for one cycle. It is not safe for concurrent
// use; the engine drives it from a single goroutine.
type Reactor struct {
	fds     []unix.PollFd
	timeout time.Duration
}

// New creates an empty Reactor.
func New() *Reactor {
	return &Reactor{timeout: NoTimeout}
}

// Register adds interest in fd for the current cycle. Registrations for the
// same descriptor merge their masks. A non-negative timeout lowers the wait
// bound to at most that duration; fd may be negative to submit only a timeout.
func (r *Reactor) Register(fd int, events Events, timeout time.Duration) {
	if timeout >= 0 && (r.timeout < 0 || timeout < r.timeout) {
		r.timeout = timeout
	}
	if fd < 0 {
		return
	}
	for i := range r.fds {
		if r.fds[i].Fd == int32(fd) {
			r.fds[i].Events |= int16(events)
			return
		}
	}
	r.fds = append(r.fds, unix.PollFd{Fd: int32(fd), Events: int16(events)})
}

// Wait blocks until a registered descriptor is ready or the minimum submitted
// timeout elapses. Interruption by a signal is reported as "nothing ready".
func (r *Reactor) Wait() error {
	for i := range r.fds {
		r.fds[i].Revents = 0
	}
	_, err := unix.Poll(r.fds, timeoutMillis(r.timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			for i := range r.fds {
				r.fds[i].Revents = 0
			}
			return nil
		}
		return fmt.Errorf("poll %d descriptors (timeout %v): %w", len(r.fds), r.timeout, err)
	}
	return nil
}

// Readiness returns the events reported for fd by the last Wait, or zero if
// fd was not registered this cycle.
func (r *Reactor) Readiness(fd int) Events {
	if fd < 0 {
		return 0
	}
	for i := range r.fds {
		if r.fds[i].Fd == int32(fd) {
			return Events(r.fds[i].Revents)
		}
	}
	return 0
}

// Clear drops every registration and the accumulated timeout.
func (r *Reactor) Clear() {
	r.fds = r.fds[:0]
	r.timeout = NoTimeout
}

// Len returns the number of distinct descriptors registered this cycle.
func (r *Reactor) Len() int {
	return len(r.fds)
}

// Timeout returns the effective wait bound, NoTimeout meaning indefinite.
func (r *Reactor) Timeout() time.Duration {
	return r.timeout
}

// timeoutMillis rounds up so that a sub-millisecond bound never turns into a
// busy loop of zero-timeout polls.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
