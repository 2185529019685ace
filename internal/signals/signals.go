// Package signals converts process termination signals into a flag that the
// reactor loop observes through a pollable descriptor.
package signals

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/shineum/smtp-outbound-lite/internal/reactor"
)

// Handler owns an eventfd that becomes readable once a termination signal
// has been delivered.
type Handler struct {
	fd     int
	sigCh  chan os.Signal
	done   chan struct{}
	exited chan struct{}
	logger *slog.Logger

	terminationRequested bool
}

// New installs handlers for SIGINT, SIGQUIT and SIGTERM.
func New(logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	h := &Handler{
		fd:     fd,
		sigCh:  make(chan os.Signal, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger,
	}
	signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	go h.forward()
	return h, nil
}

func (h *Handler) forward() {
	defer close(h.exited)
	for {
		select {
		case sig := <-h.sigCh:
			h.logger.Info("received signal, initiating shutdown", "signal", sig)
			h.wake()
		case <-h.done:
			return
		}
	}
}

// Request asks the loop to stop as if a termination signal had arrived.
func (h *Handler) Request() {
	h.wake()
}

func (h *Handler) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(h.fd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		h.logger.Error("failed to signal termination", "error", err)
	}
}

// Subscribe registers the eventfd for reading.
func (h *Handler) Subscribe(r *reactor.Reactor) {
	r.Register(h.fd, reactor.EventRead, reactor.NoTimeout)
}

// Notify consumes a pending wakeup and sets the termination flag.
func (h *Handler) Notify(r *reactor.Reactor) error {
	if r.Readiness(h.fd) == 0 {
		return nil
	}

	var buf [8]byte
	if _, err := unix.Read(h.fd, buf[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return fmt.Errorf("read eventfd: %w", err)
	}
	h.terminationRequested = true
	return nil
}

// TerminationRequested reports whether the loop should exit after the
// current cycle.
func (h *Handler) TerminationRequested() bool {
	return h.terminationRequested
}

// Close uninstalls the signal handlers and releases the eventfd.
func (h *Handler) Close() error {
	signal.Stop(h.sigCh)
	close(h.done)
	<-h.exited
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close eventfd: %w", err)
	}
	return nil
}
