package client

import (
	"errors"

	"github.com/shineum/smtp-outbound-lite/internal/reactor"
)

// Stopper is the termination trigger observed by Run.
type Stopper interface {
	Subscribe(r *reactor.Reactor)
	Notify(r *reactor.Reactor) error
	TerminationRequested() bool
}

// Run drives the engine until stop requests termination. The cycle in
// progress is finished first; the client is closed on return.
func (c *Client) Run(r *reactor.Reactor, stop Stopper) error {
	c.logger.Info("delivery engine started", "spool", c.watcher.Path())

	err := c.loop(r, stop)
	if cerr := c.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err == nil {
		c.logger.Info("delivery engine stopped")
	}
	return err
}

func (c *Client) loop(r *reactor.Reactor, stop Stopper) error {
	for !stop.TerminationRequested() {
		r.Clear()
		stop.Subscribe(r)
		c.Subscribe(r)

		if err := r.Wait(); err != nil {
			return err
		}

		if err := stop.Notify(r); err != nil {
			return err
		}
		if err := c.Notify(r); err != nil {
			return err
		}
	}
	return nil
}
