// Package dns is the asynchronous resolver port of the delivery engine.
// Queries are issued with Lookup, progress is made inside the reactor cycle
// through Subscribe and Notify, and completed lookups are drained with Next.
package dns

import (
	"errors"
	"net/netip"

	"github.com/shineum/smtp-outbound-lite/internal/reactor"
	"golang.org/x/net/dns/dnsmessage"
)

// Type is the record type of a lookup.
type Type uint16

// Record types the delivery engine asks for.
const (
	TypeA    = Type(dnsmessage.TypeA)
	TypeAAAA = Type(dnsmessage.TypeAAAA)
	TypeMX   = Type(dnsmessage.TypeMX)
)

func (t Type) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeAAAA:
		return "AAAA"
	case TypeMX:
		return "MX"
	default:
		return dnsmessage.Type(t).String()
	}
}

// Lookup failures carried in Result.Err.
var (
	ErrNoData        = errors.New("no records of the requested type")
	ErrNameError     = errors.New("no such domain")
	ErrServerFailure = errors.New("name server failure")
	ErrTruncated     = errors.New("truncated response")
	ErrTimeout       = errors.New("query timed out")
)

// MX is one mail exchanger of a domain.
type MX struct {
	Host string
	Pref uint16
}

// Result is a completed lookup. On success MX (for TypeMX) or Addrs (for
// TypeA and TypeAAAA) is non-empty; MX records are ordered by preference.
type Result struct {
	Type  Type
	Name  string
	MX    []MX
	Addrs []netip.Addr
	Err   error
}

// Resolver performs lookups on behalf of a single owner.
type Resolver interface {
	// Lookup queues a query. Failures are reported through Next.
	Lookup(name string, t Type)
	// Subscribe registers in-flight queries and their retry timers.
	Subscribe(r *reactor.Reactor)
	// Notify processes readiness and expired timers. A returned error is
	// fatal to the process.
	Notify(r *reactor.Reactor) error
	// Next pops the oldest completed lookup.
	Next() (Result, bool)
	// Close abandons every query and frees its descriptors.
	Close() error
}

// Factory creates a Resolver for one owner.
type Factory func() Resolver
