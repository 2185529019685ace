// Package spool discovers queued message files in the spool's outgoing
// directory by merging a one-time directory listing with inotify events.
package spool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/shineum/smtp-outbound-lite/internal/reactor"
)

// OutgoingDir is the spool subdirectory holding messages ready for delivery.
const OutgoingDir = "out"

// inotifyHeaderSize is sizeof(struct inotify_event) without the name.
const inotifyHeaderSize = unix.SizeofInotifyEvent

// Watcher hands out spool filenames exactly once per run. Names are only
// released after the initial listing is exhausted, so listing and
// notification results are merged before any name is claimed.
type Watcher struct {
	outPath   string
	inotifyFd int
	dir       *os.File

	pending *queue.Queue
	queued  map[string]struct{}

	buf    []byte
	logger *slog.Logger
}

// New ensures <root> and <root>/out exist and starts watching the latter.
func New(root string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := EnsureDirectory(root); err != nil {
		return nil, err
	}
	outPath := filepath.Join(root, OutgoingDir)
	if err := EnsureDirectory(outPath); err != nil {
		return nil, err
	}

	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, outPath, unix.IN_MOVED_TO); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify watch %s: %w", outPath, err)
	}

	dir, err := os.Open(outPath)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("open directory: %w", err)
	}

	return &Watcher{
		outPath:   outPath,
		inotifyFd: fd,
		dir:       dir,
		pending:   queue.New(),
		queued:    make(map[string]struct{}),
		buf:       make([]byte, 64*(inotifyHeaderSize+unix.NAME_MAX+1)),
		logger:    logger,
	}, nil
}

// Path returns the watched outgoing directory.
func (w *Watcher) Path() string {
	return w.outPath
}

// Listing reports whether the initial directory listing is still running.
func (w *Watcher) Listing() bool {
	return w.dir != nil
}

// Pending returns the number of queued, not yet discovered names.
func (w *Watcher) Pending() int {
	return w.pending.Length()
}

// Subscribe registers the notification handle and, while listing, the
// directory handle.
func (w *Watcher) Subscribe(r *reactor.Reactor) {
	r.Register(w.inotifyFd, reactor.EventRead, reactor.NoTimeout)
	if w.dir != nil {
		r.Register(int(w.dir.Fd()), reactor.EventRead, reactor.NoTimeout)
	}
}

// Notify consumes ready notification events and advances the listing by one
// entry.
func (w *Watcher) Notify(r *reactor.Reactor) error {
	if r.Readiness(w.inotifyFd)&reactor.EventRead != 0 {
		if err := w.readEvents(); err != nil {
			return err
		}
	}

	if w.dir != nil && r.Readiness(int(w.dir.Fd()))&(reactor.EventRead|reactor.EventHangup) != 0 {
		if err := w.readDirEntry(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) readEvents() error {
	n, err := unix.Read(w.inotifyFd, w.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return fmt.Errorf("read inotify events: %w", err)
	}

	for offset := 0; offset < n; {
		if n-offset < inotifyHeaderSize {
			return fmt.Errorf("truncated inotify event: %d bytes left", n-offset)
		}
		header := w.buf[offset : offset+inotifyHeaderSize]
		mask := binary.NativeEndian.Uint32(header[4:8])
		nameLen := int(binary.NativeEndian.Uint32(header[12:16]))
		end := offset + inotifyHeaderSize + nameLen
		if end > n {
			return fmt.Errorf("truncated inotify event name: need %d bytes, have %d", end-offset, n-offset)
		}

		if mask&unix.IN_Q_OVERFLOW != 0 {
			w.logger.Warn("inotify queue overflowed, spool events were lost", "dir", w.outPath)
		}
		name := strings.TrimRight(string(w.buf[offset+inotifyHeaderSize:end]), "\x00")
		if name != "" {
			w.enqueue(name)
		}
		offset = end
	}
	return nil
}

func (w *Watcher) readDirEntry() error {
	entries, err := w.dir.ReadDir(1)
	if len(entries) > 0 {
		if name := entries[0].Name(); name != "." && name != ".." {
			w.enqueue(name)
		}
		return nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read directory %s: %w", w.outPath, err)
	}

	if err := w.dir.Close(); err != nil {
		return fmt.Errorf("close directory %s: %w", w.outPath, err)
	}
	w.dir = nil
	w.logger.Debug("spool listing exhausted", "dir", w.outPath, "pending", w.pending.Length())
	return nil
}

func (w *Watcher) enqueue(name string) {
	if _, ok := w.queued[name]; ok {
		return
	}
	w.queued[name] = struct{}{}
	w.pending.Add(name)
}

// Discover returns the path of the next queued message. It returns false
// while the initial listing is still running or when nothing is queued.
func (w *Watcher) Discover() (string, bool) {
	if w.dir != nil || w.pending.Length() == 0 {
		return "", false
	}
	name := w.pending.Remove().(string)
	delete(w.queued, name)
	return filepath.Join(w.outPath, name), true
}

// Close releases both handles and drops queued names.
func (w *Watcher) Close() error {
	var errs []error
	if w.dir != nil {
		if err := w.dir.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close directory: %w", err))
		}
		w.dir = nil
	}
	if w.inotifyFd >= 0 {
		if err := unix.Close(w.inotifyFd); err != nil {
			errs = append(errs, fmt.Errorf("close inotify: %w", err))
		}
		w.inotifyFd = -1
	}
	for w.pending.Length() > 0 {
		w.pending.Remove()
	}
	clear(w.queued)
	return errors.Join(errs...)
}
