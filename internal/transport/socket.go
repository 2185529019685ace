// Package transport wraps the raw, non-blocking sockets the delivery engine
// drives through the reactor.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrSocket marks failures of socket(2) itself, as opposed to connect(2).
var ErrSocket = errors.New("socket create")

// Sockaddr converts an address/port pair into the form connect(2) expects and
// reports the matching address family.
func Sockaddr(ap netip.AddrPort) (unix.Sockaddr, int) {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, unix.AF_INET6
}

// Dial creates a non-blocking socket of the given type (unix.SOCK_STREAM or
// unix.SOCK_DGRAM) and starts connecting it to ap. A connection still in
// progress is not an error: the caller waits for writability and then checks
// ConnectError.
func Dial(sotype int, ap netip.AddrPort) (int, error) {
	sa, family := Sockaddr(ap)
	fd, err := unix.Socket(family, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrSocket, err)
	}
	if sotype == unix.SOCK_STREAM {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			slog.Debug("failed to disable Nagle", "remote", ap, "error", err)
		}
	}

	for {
		err = unix.Connect(fd, sa)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", ap, err)
	}
	return fd, nil
}

// ConnectError returns the outcome of an asynchronous connect as connErr.
// err is set only when the outcome could not be queried.
func ConnectError(fd int) (connErr, err error) {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return nil, fmt.Errorf("getsockopt SO_ERROR on %d: %w", fd, err)
	}
	if soerr != 0 {
		return unix.Errno(soerr), nil
	}
	return nil, nil
}

// Fatal reports whether a Dial error reflects a broken environment rather
// than an unreachable peer. A missing address family is not fatal.
func Fatal(err error) bool {
	if !errors.Is(err, ErrSocket) {
		return false
	}
	return !errors.Is(err, unix.EAFNOSUPPORT) && !errors.Is(err, unix.EPROTONOSUPPORT)
}
