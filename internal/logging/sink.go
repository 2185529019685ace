// Package logging provides the process-wide asynchronous log sink and the
// slog logger built on top of it.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/eapache/queue"
)

// ErrSinkClosed is returned by Write after Close.
var ErrSinkClosed = errors.New("log sink closed")

// Sink is a write-behind io.Writer. Write copies the record into an unbounded
// FIFO and returns immediately; a single worker goroutine writes records to
// the destination in submission order.
type Sink struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closing bool

	out    io.Writer
	closer io.Closer
	done   chan struct{}
}

// Open creates a Sink for path. "/dev/stdout" and "/dev/stderr" map to the
// process streams; any other path is truncated and opened for writing.
func Open(path string) (*Sink, error) {
	switch path {
	case "/dev/stdout":
		return NewSink(os.Stdout), nil
	case "", "/dev/stderr":
		return NewSink(os.Stderr), nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	s := NewSink(f)
	s.closer = f
	return s, nil
}

// NewSink starts a Sink writing to w. The caller keeps ownership of w.
func NewSink(w io.Writer) *Sink {
	s := &Sink{
		pending: queue.New(),
		out:     w,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Write enqueues a copy of p. It never blocks on the destination.
func (s *Sink) Write(p []byte) (int, error) {
	record := make([]byte, len(p))
	copy(record, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return 0, ErrSinkClosed
	}
	s.pending.Add(record)
	s.cond.Signal()
	return len(p), nil
}

// Close flushes every queued record, stops the worker and closes the
// destination if the Sink opened it.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closing = true
	s.cond.Signal()
	s.mu.Unlock()

	<-s.done

	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
	}
	return nil
}

func (s *Sink) run() {
	defer close(s.done)

	var batch [][]byte
	for {
		s.mu.Lock()
		for s.pending.Length() == 0 && !s.closing {
			s.cond.Wait()
		}
		for s.pending.Length() > 0 {
			batch = append(batch, s.pending.Remove().([]byte))
		}
		closing := s.closing
		s.mu.Unlock()

		for _, record := range batch {
			if _, err := s.out.Write(record); err != nil {
				fmt.Fprintf(os.Stderr, "log sink write failed: %v\n", err)
			}
		}
		batch = batch[:0]

		if closing {
			return
		}
	}
}
