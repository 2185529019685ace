// Package dnstest provides a scripted dns.Resolver for tests.
package dnstest

import (
	"net/netip"

	"github.com/shineum/smtp-outbound-lite/internal/dns"
	"github.com/shineum/smtp-outbound-lite/internal/reactor"
)

// Zone maps "name TYPE" keys (for example "mx.example.test A") to answers.
// Names without an entry resolve to dns.ErrNameError.
type Zone map[string]dns.Result

// MX adds an MX answer for name.
func (z Zone) MX(name string, records ...dns.MX) Zone {
	z[name+" MX"] = dns.Result{MX: records}
	return z
}

// Addrs adds an A or AAAA answer for name.
func (z Zone) Addrs(name string, t dns.Type, addrs ...string) Zone {
	res := dns.Result{}
	for _, a := range addrs {
		res.Addrs = append(res.Addrs, netip.MustParseAddr(a))
	}
	z[name+" "+t.String()] = res
	return z
}

// Fail makes a lookup of name and type fail with err.
func (z Zone) Fail(name string, t dns.Type, err error) Zone {
	z[name+" "+t.String()] = dns.Result{Err: err}
	return z
}

// Resolver answers every lookup from its Zone on the next reactor cycle.
type Resolver struct {
	Zone    Zone
	Lookups []string
	Closed  bool

	ready []dns.Result
}

// NewResolver returns a Resolver serving z.
func NewResolver(z Zone) *Resolver {
	return &Resolver{Zone: z}
}

// Factory returns a dns.Factory whose resolvers share z and are recorded in
// the returned slice pointer.
func Factory(z Zone) (dns.Factory, *[]*Resolver) {
	var created []*Resolver
	return func() dns.Resolver {
		r := NewResolver(z)
		created = append(created, r)
		return r
	}, &created
}

func (r *Resolver) Lookup(name string, t dns.Type) {
	key := name + " " + t.String()
	r.Lookups = append(r.Lookups, key)

	res, ok := r.Zone[key]
	if !ok {
		res = dns.Result{Err: dns.ErrNameError}
	}
	res.Name = name
	res.Type = t
	r.ready = append(r.ready, res)
}

// Subscribe asks for an immediate wake-up while answers are waiting.
func (r *Resolver) Subscribe(rc *reactor.Reactor) {
	if len(r.ready) > 0 {
		rc.Register(-1, 0, 0)
	}
}

func (r *Resolver) Notify(*reactor.Reactor) error { return nil }

func (r *Resolver) Next() (dns.Result, bool) {
	if len(r.ready) == 0 {
		return dns.Result{}, false
	}
	res := r.ready[0]
	r.ready = r.ready[1:]
	return res, true
}

func (r *Resolver) Close() error {
	r.Closed = true
	r.ready = nil
	return nil
}

var _ dns.Resolver = (*Resolver)(nil)
