package dns

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/eapache/queue"
	"github.com/shineum/smtp-outbound-lite/internal/reactor"
	"github.com/shineum/smtp-outbound-lite/internal/transport"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/sys/unix"
)

const (
	ednsPayload    = 1232
	maxResponse    = 4096
	defaultTimeout = 2 * time.Second
)

// Config tunes a UDPResolver.
type Config struct {
	Servers  []netip.AddrPort
	Timeout  time.Duration // per attempt
	Attempts int           // rounds over Servers
}

// UDPResolver sends recursive queries over UDP to the configured name
// servers, one connected non-blocking socket per in-flight query. Each
// attempt waits Timeout for an answer before moving to the next server; after
// Attempts rounds over every server the query fails.
type UDPResolver struct {
	cfg     Config
	queries []*query
	done    *queue.Queue
	buf     []byte
	logger  *slog.Logger
	now     func() time.Time
}

type query struct {
	name     string
	fqdn     dnsmessage.Name
	qtype    Type
	id       uint16
	packet   []byte
	fd       int
	polled   bool
	tries    int
	deadline time.Time
	err      error
	finished bool
}

// NewUDPResolver creates a resolver. Missing settings fall back to
// 127.0.0.1, a two second timeout and a single attempt.
func NewUDPResolver(cfg Config, logger *slog.Logger) *UDPResolver {
	if len(cfg.Servers) == 0 {
		cfg.Servers = defaultServers()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPResolver{
		cfg:    cfg,
		done:   queue.New(),
		buf:    make([]byte, maxResponse),
		logger: logger,
		now:    time.Now,
	}
}

// Lookup implements Resolver.
func (r *UDPResolver) Lookup(name string, t Type) {
	q := &query{name: name, qtype: t, fd: -1}

	fqdn := name
	if !strings.HasSuffix(fqdn, ".") {
		fqdn += "."
	}
	n, err := dnsmessage.NewName(fqdn)
	if err != nil {
		r.complete(q, Result{Err: fmt.Errorf("invalid name %q: %w", name, err)})
		return
	}
	q.fqdn = n
	q.id = uint16(rand.Uint32())
	q.packet, err = buildQuery(q.id, n, t)
	if err != nil {
		r.complete(q, Result{Err: fmt.Errorf("build %s query for %s: %w", t, name, err)})
		return
	}

	r.queries = append(r.queries, q)
	r.send(q, r.now())
}

// send transmits the query to the next server, skipping servers that cannot
// be reached at all. When every attempt is used up the query completes with
// the error of the last one.
func (r *UDPResolver) send(q *query, now time.Time) {
	total := r.cfg.Attempts * len(r.cfg.Servers)
	for q.tries < total {
		server := r.cfg.Servers[q.tries%len(r.cfg.Servers)]
		q.tries++

		fd, err := transport.Dial(unix.SOCK_DGRAM, server)
		if err != nil {
			q.err = fmt.Errorf("%w: %w", ErrServerFailure, err)
			r.logger.Debug("dns server unreachable", "server", server, "error", err)
			continue
		}
		if _, err := unix.Write(fd, q.packet); err != nil {
			unix.Close(fd)
			q.err = fmt.Errorf("%w: send to %s: %w", ErrServerFailure, server, err)
			r.logger.Debug("dns send failed", "server", server, "error", err)
			continue
		}
		q.fd = fd
		q.polled = false
		q.deadline = now.Add(r.cfg.Timeout)
		return
	}

	err := q.err
	if err == nil {
		err = ErrTimeout
	}
	r.complete(q, Result{Err: err})
}

// retry abandons the current attempt and moves on to the next one.
func (r *UDPResolver) retry(q *query, now time.Time) error {
	if err := q.closeSocket(); err != nil {
		return err
	}
	r.send(q, now)
	return nil
}

func (r *UDPResolver) complete(q *query, res Result) {
	res.Type = q.qtype
	res.Name = q.name
	slices.SortStableFunc(res.MX, func(a, b MX) int {
		return int(a.Pref) - int(b.Pref)
	})
	q.finished = true
	r.done.Add(res)
}

// Subscribe implements Resolver.
func (r *UDPResolver) Subscribe(rc *reactor.Reactor) {
	r.queries = slices.DeleteFunc(r.queries, func(q *query) bool { return q.finished })

	now := r.now()
	for _, q := range r.queries {
		rc.Register(q.fd, reactor.EventRead, max(q.deadline.Sub(now), 0))
		q.polled = true
	}
	if r.done.Length() > 0 {
		rc.Register(-1, 0, 0)
	}
}

// Notify implements Resolver.
func (r *UDPResolver) Notify(rc *reactor.Reactor) error {
	now := r.now()
	for _, q := range r.queries {
		if q.finished || !q.polled {
			continue
		}
		q.polled = false

		if rc.Readiness(q.fd)&(reactor.EventRead|reactor.EventHangup|reactor.EventError) != 0 {
			if err := r.receive(q, now); err != nil {
				return err
			}
		}
		if !q.finished && !now.Before(q.deadline) {
			r.logger.Debug("dns attempt timed out", "name", q.name, "type", q.qtype, "attempt", q.tries)
			q.err = ErrTimeout
			if err := r.retry(q, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *UDPResolver) receive(q *query, now time.Time) error {
	for {
		n, err := unix.Read(q.fd, r.buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			// ICMP errors on the connected socket, e.g. ECONNREFUSED.
			q.err = fmt.Errorf("%w: %w", ErrServerFailure, err)
			return r.retry(q, now)
		}

		res, ok, err := parseResponse(q, r.buf[:n])
		if !ok {
			continue
		}
		if err != nil {
			q.err = err
			return r.retry(q, now)
		}
		if err := q.closeSocket(); err != nil {
			return err
		}
		r.complete(q, res)
		return nil
	}
}

// Next implements Resolver.
func (r *UDPResolver) Next() (Result, bool) {
	if r.done.Length() == 0 {
		return Result{}, false
	}
	return r.done.Remove().(Result), true
}

// Close implements Resolver.
func (r *UDPResolver) Close() error {
	var errs []error
	for _, q := range r.queries {
		if err := q.closeSocket(); err != nil {
			errs = append(errs, err)
		}
	}
	r.queries = nil
	for r.done.Length() > 0 {
		r.done.Remove()
	}
	return errors.Join(errs...)
}

func (q *query) closeSocket() error {
	if q.fd == -1 {
		return nil
	}
	fd := q.fd
	q.fd = -1
	q.polled = false
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close dns socket: %w", err)
	}
	return nil
}

func buildQuery(id uint16, name dnsmessage.Name, t Type) ([]byte, error) {
	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{ID: id, RecursionDesired: true})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{Name: name, Type: dnsmessage.Type(t), Class: dnsmessage.ClassINET}); err != nil {
		return nil, err
	}
	if err := b.StartAdditionals(); err != nil {
		return nil, err
	}
	var opt dnsmessage.ResourceHeader
	if err := opt.SetEDNS0(ednsPayload, dnsmessage.RCodeSuccess, false); err != nil {
		return nil, err
	}
	if err := b.OPTResource(opt, dnsmessage.OPTResource{}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// parseResponse decodes an answer to q. ok is false for datagrams that do not
// answer q at all; a non-nil error asks for another attempt.
func parseResponse(q *query, packet []byte) (res Result, ok bool, err error) {
	var p dnsmessage.Parser
	h, err := p.Start(packet)
	if err != nil || h.ID != q.id || !h.Response {
		return Result{}, false, nil
	}
	question, err := p.Question()
	if err != nil || question.Type != dnsmessage.Type(q.qtype) || !strings.EqualFold(question.Name.String(), q.fqdn.String()) {
		return Result{}, false, nil
	}
	if err := p.SkipAllQuestions(); err != nil {
		return Result{}, false, nil
	}

	switch h.RCode {
	case dnsmessage.RCodeSuccess:
	case dnsmessage.RCodeNameError:
		return Result{Err: ErrNameError}, true, nil
	default:
		return Result{}, true, fmt.Errorf("%w: rcode %s", ErrServerFailure, h.RCode)
	}

	for {
		ah, err := p.AnswerHeader()
		if errors.Is(err, dnsmessage.ErrSectionDone) {
			break
		}
		if err != nil {
			return malformed(h, err), true, nil
		}
		switch {
		case ah.Type == dnsmessage.TypeMX && q.qtype == TypeMX:
			mx, err := p.MXResource()
			if err != nil {
				return malformed(h, err), true, nil
			}
			// A null MX ("." target) announces that the domain takes no mail.
			if host := strings.TrimSuffix(mx.MX.String(), "."); host != "" {
				res.MX = append(res.MX, MX{Host: host, Pref: mx.Pref})
			}
		case ah.Type == dnsmessage.TypeA && q.qtype == TypeA:
			a, err := p.AResource()
			if err != nil {
				return malformed(h, err), true, nil
			}
			res.Addrs = append(res.Addrs, netip.AddrFrom4(a.A))
		case ah.Type == dnsmessage.TypeAAAA && q.qtype == TypeAAAA:
			aaaa, err := p.AAAAResource()
			if err != nil {
				return malformed(h, err), true, nil
			}
			res.Addrs = append(res.Addrs, netip.AddrFrom16(aaaa.AAAA))
		default:
			if err := p.SkipAnswer(); err != nil {
				return malformed(h, err), true, nil
			}
		}
	}

	if len(res.MX) == 0 && len(res.Addrs) == 0 {
		if h.Truncated {
			return Result{Err: ErrTruncated}, true, nil
		}
		return Result{Err: ErrNoData}, true, nil
	}
	return res, true, nil
}

func malformed(h dnsmessage.Header, err error) Result {
	if h.Truncated {
		return Result{Err: ErrTruncated}
	}
	return Result{Err: fmt.Errorf("malformed response: %w", err)}
}
