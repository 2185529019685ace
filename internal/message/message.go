// Package message loads spool files through a resumable, non-blocking
// parsing state machine and shares the result between delivery sessions by
// reference counting.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/shineum/smtp-outbound-lite/internal/reactor"
)

// State is the loading state of a Message.
type State int

const (
	StateLoadingFailed State = iota
	StateLoadingHeaders
	StateHeadersLoaded
	StateLoadingBody
	StateBodyLoaded
)

func (s State) String() string {
	switch s {
	case StateLoadingFailed:
		return "loading-failed"
	case StateLoadingHeaders:
		return "loading-headers"
	case StateHeadersLoaded:
		return "headers-loaded"
	case StateLoadingBody:
		return "loading-body"
	case StateBodyLoaded:
		return "body-loaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// defaultReadSize is the per-read chunk requested from the file.
const defaultReadSize = 64 * 1024

var separator = []byte("\r\n\r\n")

// Option configures a Message.
type Option func(*Message)

// WithReadSize bounds every read(2) to n bytes.
func WithReadSize(n int) Option {
	return func(m *Message) {
		if n > 0 {
			m.readSize = n
		}
	}
}

// WithLogger sets the logger used for recoverable failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Message) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Message is one spool file. It is owned by reference count: the creator
// holds one reference and every session that queues it holds another. The
// engine is single-threaded, so counts are plain integers.
type Message struct {
	state State
	path  string

	fd     int
	polled bool
	offset int64

	buf      []byte
	scanned  int
	readSize int

	headers      []Header
	sender       string
	destinations []*Destination
	body         []byte

	refs   int
	err    error
	logger *slog.Logger
}

// New creates a Message for path in StateLoadingHeaders with one reference.
func New(path string, opts ...Option) *Message {
	m := &Message{
		state:    StateLoadingHeaders,
		path:     path,
		fd:       -1,
		readSize: defaultReadSize,
		refs:     1,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Message) State() State { return m.state }
func (m *Message) Path() string { return m.path }

// Err returns the reason for StateLoadingFailed.
func (m *Message) Err() error { return m.err }

// Headers returns the forwarded headers in file order.
func (m *Message) Headers() []Header { return m.headers }

// Sender returns the envelope sender, empty for the null reverse-path.
func (m *Message) Sender() string { return m.sender }

// Destinations returns the destinations still pending delivery.
func (m *Message) Destinations() []*Destination { return m.destinations }

// Body returns the immutable body once StateBodyLoaded is reached.
func (m *Message) Body() []byte { return m.body }

// Refs returns the current reference count.
func (m *Message) Refs() int { return m.refs }

// Destination returns the pending destination for host, or nil.
func (m *Message) Destination(host string) *Destination {
	for _, d := range m.destinations {
		if strings.EqualFold(d.Host, host) {
			return d
		}
	}
	return nil
}

// Retain adds a reference.
func (m *Message) Retain() *Message {
	m.refs++
	return m
}

// loading reports whether the state machine still reads from the file.
func (m *Message) loading() bool {
	return m.state == StateLoadingHeaders || m.state == StateLoadingBody
}

// Subscribe opens the file on first use and registers it for reading.
// Failing to open or seek is recoverable: the message moves to
// StateLoadingFailed.
func (m *Message) Subscribe(r *reactor.Reactor) {
	m.polled = false
	if !m.loading() {
		return
	}

	if m.fd == -1 {
		fd, err := unix.Open(m.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			m.fail(fmt.Errorf("open: %w", err))
			return
		}
		m.fd = fd
		if _, err := unix.Seek(m.fd, m.offset, 0); err != nil {
			m.fail(fmt.Errorf("seek to %d: %w", m.offset, err))
			m.closeFile()
			return
		}
	}

	r.Register(m.fd, reactor.EventRead, reactor.NoTimeout)
	m.polled = true
}

// Notify reads whatever the file offers and advances the state machine.
// The returned error is fatal; content errors only change the state.
func (m *Message) Notify(r *reactor.Reactor) error {
	if !m.loading() || !m.polled || m.fd == -1 {
		return nil
	}
	if r.Readiness(m.fd)&(reactor.EventRead|reactor.EventHangup|reactor.EventError) == 0 {
		return nil
	}

	for {
		m.buf = slices.Grow(m.buf, m.readSize)
		n, err := unix.Read(m.fd, m.buf[len(m.buf):len(m.buf)+m.readSize])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			m.fail(fmt.Errorf("read: %w", err))
			return m.finishLoading()
		}
		m.buf = m.buf[:len(m.buf)+n]

		switch m.state {
		case StateLoadingHeaders:
			if n == 0 {
				m.fail(ErrNoSeparator)
				return m.finishLoading()
			}
			if m.scanHeaders() {
				return m.finishLoading()
			}
		case StateLoadingBody:
			if n == 0 {
				m.offset += int64(len(m.buf))
				m.body = m.buf
				m.buf = nil
				m.state = StateBodyLoaded
				return m.finishLoading()
			}
		}
	}
}

// scanHeaders looks for the header/body separator in the bytes read so far
// and parses the header block once it is found.
func (m *Message) scanHeaders() bool {
	from := max(m.scanned-len(separator)+1, 0)
	i := bytes.Index(m.buf[from:], separator)
	if i < 0 {
		m.scanned = len(m.buf)
		return false
	}
	end := from + i

	block := string(m.buf[:end])
	m.offset += int64(end + len(separator))
	m.buf = nil
	m.scanned = 0

	env, err := parseHeaderBlock(block)
	if err != nil {
		m.fail(err)
		return true
	}
	m.headers = env.headers
	m.sender = env.sender
	m.destinations = env.destinations
	m.state = StateHeadersLoaded
	return true
}

// finishLoading closes the file between phases; the body phase reopens it at
// the saved offset.
func (m *Message) finishLoading() error {
	m.buf = nil
	return m.closeFile()
}

func (m *Message) closeFile() error {
	if m.fd == -1 {
		return nil
	}
	fd := m.fd
	m.fd = -1
	m.polled = false
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close %s: %w", m.path, err)
	}
	return nil
}

func (m *Message) fail(err error) {
	m.state = StateLoadingFailed
	m.err = err
	m.headers = nil
	m.destinations = nil
	m.logger.Warn("message loading failed, skipped", "path", m.path, "error", err)
}

// StartLoadingBody moves a routed message into the body phase. It has no
// effect unless the headers have just been loaded.
func (m *Message) StartLoadingBody() {
	if m.state == StateHeadersLoaded {
		m.state = StateLoadingBody
	}
}

// MarkSent drops the destination for host once its delivery completed.
func (m *Message) MarkSent(host string) {
	m.destinations = slices.DeleteFunc(m.destinations, func(d *Destination) bool {
		return strings.EqualFold(d.Host, host)
	})
}

// Release drops a reference. The last release deletes the spool file when
// the body was loaded and every destination has been delivered, then frees
// everything the message holds.
func (m *Message) Release() error {
	if m.refs <= 0 {
		return fmt.Errorf("release of unreferenced message %s", m.path)
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}

	var errs []error
	if m.state == StateBodyLoaded && len(m.destinations) == 0 {
		if err := os.Remove(m.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				m.logger.Warn("delivered message already removed", "path", m.path)
			} else {
				errs = append(errs, fmt.Errorf("unlink delivered message: %w", err))
			}
		} else {
			m.logger.Info("message delivered and removed", "path", m.path)
		}
	}
	if err := m.closeFile(); err != nil {
		errs = append(errs, err)
	}

	m.headers = nil
	m.destinations = nil
	m.body = nil
	m.buf = nil
	return errors.Join(errs...)
}
