// Package client ties the spool watcher, message loading and delivery
// sessions together into one reactor-driven engine.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shineum/smtp-outbound-lite/internal/dns"
	"github.com/shineum/smtp-outbound-lite/internal/message"
	"github.com/shineum/smtp-outbound-lite/internal/metrics"
	"github.com/shineum/smtp-outbound-lite/internal/reactor"
	"github.com/shineum/smtp-outbound-lite/internal/smtp"
	"github.com/shineum/smtp-outbound-lite/internal/spool"
)

// Config holds the settings and collaborators of a Client.
type Config struct {
	SpoolRoot string
	HeloName  string
	Port      uint16
	Resolvers dns.Factory
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// MessageOptions are applied to every discovered message.
	MessageOptions []message.Option
}

// Client discovers spool files, loads their headers, and routes each message
// to one session per destination host. Pending messages and sessions are
// served in arrival order.
type Client struct {
	cfg      Config
	watcher  *spool.Watcher
	pending  []*message.Message
	sessions []*smtp.Session
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New starts watching <SpoolRoot>/out.
func New(cfg Config) (*Client, error) {
	if cfg.Resolvers == nil {
		return nil, errors.New("client: no resolver factory")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w, err := spool.New(cfg.SpoolRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	cfg.MessageOptions = append(slices.Clip(cfg.MessageOptions), message.WithLogger(logger))
	return &Client{
		cfg:     cfg,
		watcher: w,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Pending returns the number of messages whose headers are still loading.
func (c *Client) Pending() int { return len(c.pending) }

// Sessions returns the live sessions in creation order.
func (c *Client) Sessions() []*smtp.Session { return c.sessions }

// Subscribe registers the watcher, every pending message and every session.
func (c *Client) Subscribe(r *reactor.Reactor) {
	c.watcher.Subscribe(r)
	for _, m := range c.pending {
		m.Subscribe(r)
		if m.State() != message.StateLoadingHeaders {
			// Failed to open; route it on the next pass without waiting.
			r.Register(-1, 0, 0)
		}
	}
	for _, s := range c.sessions {
		s.Subscribe(r)
	}
}

// Notify runs one dispatch pass. A returned error is fatal.
func (c *Client) Notify(r *reactor.Reactor) error {
	if err := c.watcher.Notify(r); err != nil {
		return err
	}
	for {
		path, ok := c.watcher.Discover()
		if !ok {
			break
		}
		c.logger.Debug("message discovered", "path", path)
		c.metrics.MessageDiscovered()
		c.pending = append(c.pending, message.New(path, c.cfg.MessageOptions...))
	}

	if err := c.notifyPending(r); err != nil {
		return err
	}
	if err := c.notifySessions(r); err != nil {
		return err
	}
	c.metrics.SetPending(len(c.pending))
	return nil
}

func (c *Client) notifyPending(r *reactor.Reactor) error {
	var errs []error
	c.pending = slices.DeleteFunc(c.pending, func(m *message.Message) bool {
		if err := m.Notify(r); err != nil {
			errs = append(errs, err)
			return false
		}
		switch m.State() {
		case message.StateHeadersLoaded:
			if err := c.route(m); err != nil {
				errs = append(errs, err)
			}
		case message.StateLoadingFailed:
			c.metrics.MessageLoadFailed()
		default:
			return false
		}
		if err := m.Release(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// route gives every destination session of m its own reference.
func (c *Client) route(m *message.Message) error {
	var errs []error
	for _, d := range m.Destinations() {
		s := c.session(d.Host)
		if err := c.handOff(s, m); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("message routed", "path", m.Path(), "host", d.Host, "session", s.ID(), "recipients", len(d.Recipients))
	}
	return errors.Join(errs...)
}

// handOff enqueues a new reference to m on s. A refused reference is dropped
// again so the spool file is still released by its other owners.
func (c *Client) handOff(s *smtp.Session, m *message.Message) error {
	if s.Enqueue(m.Retain()) {
		return nil
	}
	c.logger.Warn("session refused message", "path", m.Path(), "host", s.Host(), "session", s.ID())
	return m.Release()
}

// session finds the accepting session for host or starts one.
func (c *Client) session(host string) *smtp.Session {
	for _, s := range c.sessions {
		if s.Host() == host && s.Accepting() {
			return s
		}
	}
	s := smtp.New(smtp.Config{
		Host:     host,
		HeloName: c.cfg.HeloName,
		Port:     c.cfg.Port,
		Resolver: c.cfg.Resolvers(),
		Logger:   c.logger,
		Metrics:  c.metrics,
	})
	c.sessions = append(c.sessions, s)
	return s
}

func (c *Client) notifySessions(r *reactor.Reactor) error {
	var errs []error
	c.sessions = slices.DeleteFunc(c.sessions, func(s *smtp.Session) bool {
		if err := s.Notify(r); err != nil {
			errs = append(errs, err)
		}
		if s.State() != smtp.StateClosed {
			return false
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Close finalizes every session and pending message. Files on disk are left
// untouched unless a delivery already completed.
func (c *Client) Close() error {
	var errs []error
	for _, s := range c.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.sessions = nil
	for _, m := range c.pending {
		if err := m.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	c.pending = nil
	c.metrics.SetPending(0)
	if err := c.watcher.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
