package smtp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/shineum/smtp-outbound-lite/internal/dns"
	"github.com/shineum/smtp-outbound-lite/internal/message"
	"github.com/shineum/smtp-outbound-lite/internal/metrics"
	"github.com/shineum/smtp-outbound-lite/internal/reactor"
	"github.com/shineum/smtp-outbound-lite/internal/transport"
	"golang.org/x/sys/unix"
)

// State is the position of a Session in the delivery protocol.
type State int

// Session states, in protocol order.
const (
	StateResolvingDNS State = iota
	StateResolvingAAAA
	StateResolvingA
	StateConnecting
	StateReceivingGreeting
	StateSendingHELO
	StateSendingMailOrRcpt
	StateLoadingMessageBody
	StateSendingDATA
	StateSendingDataPayload
	StateSendingRSET
	StateSendingQUIT
	StateClosed
)

var stateNames = [...]string{
	StateResolvingDNS:       "resolving-dns",
	StateResolvingAAAA:      "resolving-aaaa",
	StateResolvingA:         "resolving-a",
	StateConnecting:         "connecting",
	StateReceivingGreeting:  "receiving-greeting",
	StateSendingHELO:        "sending-helo",
	StateSendingMailOrRcpt:  "sending-mail-or-rcpt",
	StateLoadingMessageBody: "loading-message-body",
	StateSendingDATA:        "sending-data",
	StateSendingDataPayload: "sending-data-payload",
	StateSendingRSET:        "sending-rset",
	StateSendingQUIT:        "sending-quit",
	StateClosed:             "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultPort is the SMTP relay port.
const DefaultPort = 25

const readChunk = 4096

// Config describes the destination of a Session and its collaborators.
type Config struct {
	Host     string // destination domain, as routed
	HeloName string // name announced in HELO
	Port     uint16 // zero means DefaultPort
	Resolver dns.Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Session delivers the messages queued for one destination host over a
// single SMTP connection. It finds the server through the MX records of the
// host, trying the IPv6 and then the IPv4 addresses of every exchanger in
// preference order. Queued messages are sent one transaction at a time; the
// session quits once its queue is empty.
//
// Every failure is confined to the session: it moves to StateClosed and
// releases its queue without marking anything delivered.
type Session struct {
	id       string
	host     string
	helo     string
	port     uint16
	state    State
	resolver dns.Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mx        []dns.MX
	mxIndex   int
	tier      dns.Type
	addrs     []netip.Addr
	addrIndex int
	remote    netip.AddrPort

	fd     int
	polled bool

	in     []byte
	out    []byte
	outOff int

	messages  *queue.Queue
	rcpts     []string
	rcptIndex int
}

// New starts a session by looking up the MX records of cfg.Host.
func New(cfg Config) *Session {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()

	s := &Session{
		id:       id,
		host:     cfg.Host,
		helo:     cfg.HeloName,
		port:     port,
		state:    StateResolvingDNS,
		resolver: cfg.Resolver,
		logger:   logger.With("host", cfg.Host, "session", id),
		metrics:  cfg.Metrics,
		fd:       -1,
		messages: queue.New(),
	}
	s.metrics.SessionOpened()
	s.logger.Info("session started")
	s.resolver.Lookup(s.host, dns.TypeMX)
	return s
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Host() string { return s.host }
func (s *Session) State() State { return s.state }

// Queued returns the number of messages still owned by the session.
func (s *Session) Queued() int { return s.messages.Length() }

// Accepting reports whether Enqueue still takes messages. A session that has
// started quitting never picks up new work.
func (s *Session) Accepting() bool {
	return s.state != StateSendingQUIT && s.state != StateClosed
}

// Enqueue hands one reference of m to the session. It returns false, leaving
// the reference with the caller, when the session no longer accepts work.
func (s *Session) Enqueue(m *message.Message) bool {
	if !s.Accepting() {
		return false
	}
	s.messages.Add(m)
	return true
}

func (s *Session) head() *message.Message {
	if s.messages.Length() == 0 {
		return nil
	}
	return s.messages.Peek().(*message.Message)
}

func (s *Session) resolving() bool {
	return s.state == StateResolvingDNS || s.state == StateResolvingAAAA || s.state == StateResolvingA
}

// Subscribe registers what the current state waits for.
func (s *Session) Subscribe(r *reactor.Reactor) {
	s.polled = false
	if s.state == StateClosed {
		return
	}

	if m := s.head(); m != nil {
		m.Subscribe(r)
		if s.state == StateLoadingMessageBody && !loading(m) {
			// The body phase ended during Subscribe (open failure).
			r.Register(-1, 0, 0)
		}
	}

	switch s.state {
	case StateResolvingDNS, StateResolvingAAAA, StateResolvingA:
		s.resolver.Subscribe(r)
	case StateConnecting:
		r.Register(s.fd, reactor.EventWrite, reactor.NoTimeout)
		s.polled = true
	case StateLoadingMessageBody:
	default:
		events := reactor.EventRead
		if s.outOff < len(s.out) {
			events |= reactor.EventWrite
		}
		r.Register(s.fd, events, reactor.NoTimeout)
		s.polled = true
	}
}

// Notify advances the session after a reactor wait. A returned error is
// fatal to the process; protocol and network failures only close the
// session.
func (s *Session) Notify(r *reactor.Reactor) error {
	if s.state == StateClosed {
		return nil
	}
	if m := s.head(); m != nil {
		if err := m.Notify(r); err != nil {
			return err
		}
	}

	switch s.state {
	case StateResolvingDNS, StateResolvingAAAA, StateResolvingA:
		if err := s.resolver.Notify(r); err != nil {
			return fmt.Errorf("session to %s: %w", s.host, err)
		}
		for s.resolving() {
			res, ok := s.resolver.Next()
			if !ok {
				break
			}
			if err := s.resolved(res); err != nil {
				return err
			}
		}
		return nil
	case StateConnecting:
		return s.connected(r)
	case StateLoadingMessageBody:
		if loading(s.head()) {
			return nil
		}
		return s.afterRecipients()
	default:
		return s.exchange(r)
	}
}

func loading(m *message.Message) bool {
	st := m.State()
	return st == message.StateHeadersLoaded || st == message.StateLoadingBody
}

// resolved handles one completed lookup of the MX, AAAA, A cascade.
func (s *Session) resolved(res dns.Result) error {
	if s.state == StateResolvingDNS {
		if res.Err == nil && len(res.MX) == 0 {
			res.Err = dns.ErrNoData
		}
		if res.Err != nil {
			s.logger.Warn("MX lookup failed, session aborted", "error", res.Err)
			return s.close(metrics.CloseError)
		}
		s.mx = res.MX
		s.mxIndex = 0
		s.logger.Debug("MX records resolved", "mx", s.mx)
		s.lookup(dns.TypeAAAA)
		return nil
	}

	if res.Err == nil && len(res.Addrs) == 0 {
		res.Err = dns.ErrNoData
	}
	if res.Err != nil {
		s.logger.Debug("address lookup failed", "mx", s.mx[s.mxIndex].Host, "type", res.Type, "error", res.Err)
		return s.nextFamily()
	}
	s.addrs = res.Addrs
	s.addrIndex = 0
	return s.tryAddr()
}

// lookup queries one address family of the current exchanger.
func (s *Session) lookup(t dns.Type) {
	s.tier = t
	s.state = StateResolvingA
	if t == dns.TypeAAAA {
		s.state = StateResolvingAAAA
	}
	s.addrs = nil
	s.addrIndex = 0
	s.resolver.Lookup(s.mx[s.mxIndex].Host, t)
}

// nextFamily falls back from IPv6 to IPv4, then to the next exchanger.
func (s *Session) nextFamily() error {
	if s.tier == dns.TypeAAAA {
		s.lookup(dns.TypeA)
		return nil
	}
	return s.nextMX()
}

func (s *Session) nextMX() error {
	s.mxIndex++
	if s.mxIndex >= len(s.mx) {
		s.logger.Warn("out of MX records to try, session aborted")
		return s.close(metrics.CloseError)
	}
	s.lookup(dns.TypeAAAA)
	return nil
}

// tryAddr starts connecting to the next untried address of the current list.
func (s *Session) tryAddr() error {
	for s.addrIndex < len(s.addrs) {
		ap := netip.AddrPortFrom(s.addrs[s.addrIndex], s.port)
		s.addrIndex++

		fd, err := transport.Dial(unix.SOCK_STREAM, ap)
		if err != nil {
			if transport.Fatal(err) {
				return fmt.Errorf("session to %s: %w", s.host, err)
			}
			s.logger.Info("connect failed", "addr", ap, "error", err)
			s.metrics.Connection(metrics.ConnectFailed)
			continue
		}
		s.fd = fd
		s.remote = ap
		s.state = StateConnecting
		return nil
	}

	s.logger.Debug("out of addresses to try", "mx", s.mx[s.mxIndex].Host, "type", s.tier)
	return s.nextFamily()
}

func (s *Session) connected(r *reactor.Reactor) error {
	if !s.polled || r.Readiness(s.fd)&(reactor.EventWrite|reactor.EventHangup|reactor.EventError) == 0 {
		return nil
	}

	connErr, err := transport.ConnectError(s.fd)
	if err != nil {
		return fmt.Errorf("session to %s: %w", s.host, err)
	}
	if connErr != nil {
		s.logger.Info("connect failed", "addr", s.remote, "error", connErr)
		s.metrics.Connection(metrics.ConnectFailed)
		if err := s.closeSocket(); err != nil {
			return err
		}
		return s.tryAddr()
	}

	s.logger.Info("connected", "addr", s.remote)
	s.metrics.Connection(metrics.ConnectOK)
	s.state = StateReceivingGreeting
	return nil
}

// exchange moves pending request bytes out and complete replies in.
func (s *Session) exchange(r *reactor.Reactor) error {
	if !s.polled {
		return nil
	}
	events := r.Readiness(s.fd)
	if events&(reactor.EventWrite|reactor.EventHangup|reactor.EventError) != 0 && s.outOff < len(s.out) {
		if err := s.flush(); err != nil || s.state == StateClosed {
			return err
		}
	}
	if events&(reactor.EventRead|reactor.EventHangup|reactor.EventError) != 0 {
		return s.receive()
	}
	return nil
}

func (s *Session) flush() error {
	for s.outOff < len(s.out) {
		n, err := unix.SendmsgN(s.fd, s.out[s.outOff:], nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			s.logger.Warn("write failed, session aborted", "state", s.state, "error", err)
			return s.close(metrics.CloseError)
		}
		s.outOff += n
	}
	s.out = s.out[:0]
	s.outOff = 0
	return nil
}

func (s *Session) receive() error {
	eof := false
	for {
		s.in = slices.Grow(s.in, readChunk)
		n, err := unix.Read(s.fd, s.in[len(s.in):len(s.in)+readChunk])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			s.logger.Warn("read failed, session aborted", "state", s.state, "error", err)
			return s.close(metrics.CloseError)
		}
		if n == 0 {
			eof = true
			break
		}
		s.in = s.in[:len(s.in)+n]
	}

	for s.state != StateClosed {
		reply, n, err := parseReply(s.in)
		if err != nil {
			s.logger.Warn("bad reply, session aborted", "state", s.state, "error", err)
			return s.close(metrics.CloseError)
		}
		if n == 0 {
			break
		}
		s.in = append(s.in[:0], s.in[n:]...)
		if err := s.dispatch(reply); err != nil {
			return err
		}
	}

	if eof && s.state != StateClosed {
		s.logger.Warn("server closed the connection unexpectedly, session aborted", "state", s.state)
		return s.close(metrics.CloseError)
	}
	return nil
}

// dispatch applies one reply to the protocol state machine.
func (s *Session) dispatch(reply Reply) error {
	switch s.state {
	case StateReceivingGreeting:
		switch reply.Code {
		case ReplyServiceReady:
			s.send("HELO %s", s.helo)
			s.state = StateSendingHELO
			return nil
		case ReplyTransactionFailed:
			s.logger.Warn("server refused session", "reply", reply.Text())
			s.quit()
			return nil
		}
	case StateSendingHELO:
		if reply.Code == ReplyOK {
			return s.startTransaction()
		}
	case StateSendingMailOrRcpt:
		if reply.Code == ReplyOK {
			return s.nextRecipient()
		}
	case StateSendingDATA:
		if reply.Code == ReplyStartMailInput {
			m := s.head()
			s.out = appendPayload(s.out, m.Headers(), m.Body())
			s.state = StateSendingDataPayload
			return nil
		}
	case StateSendingDataPayload:
		if reply.Code == ReplyOK {
			m := s.head()
			m.MarkSent(s.host)
			s.logger.Info("message delivered", "path", m.Path(), "recipients", len(s.rcpts), "reply", reply.Text())
			if err := s.dequeue(metrics.ResultDelivered); err != nil {
				return err
			}
			return s.startTransaction()
		}
	case StateSendingRSET:
		if reply.Code == ReplyOK {
			if err := s.dequeue(metrics.ResultReset); err != nil {
				return err
			}
			return s.startTransaction()
		}
	case StateSendingQUIT:
		if reply.Code == ReplyServiceClosing {
			return s.close(metrics.CloseQuit)
		}
	}

	s.logger.Warn("unexpected reply, session aborted", "state", s.state, "code", int(reply.Code), "reply", reply.Text())
	return s.close(metrics.CloseError)
}

// startTransaction opens a mail transaction for the head of the queue, or
// quits when the queue is empty.
func (s *Session) startTransaction() error {
	for {
		m := s.head()
		if m == nil {
			s.quit()
			return nil
		}

		d := m.Destination(s.host)
		if m.State() == message.StateLoadingFailed || d == nil {
			s.logger.Warn("queued message cannot be sent, dropped", "path", m.Path(), "message_state", m.State())
			if err := s.dequeue(metrics.ResultReset); err != nil {
				return err
			}
			continue
		}

		s.rcpts = d.Recipients
		s.rcptIndex = 0
		m.StartLoadingBody()
		s.send("MAIL FROM:<%s>", m.Sender())
		s.state = StateSendingMailOrRcpt
		return nil
	}
}

func (s *Session) nextRecipient() error {
	if s.rcptIndex < len(s.rcpts) {
		s.send("RCPT TO:<%s@%s>", s.rcpts[s.rcptIndex], s.host)
		s.rcptIndex++
		return nil
	}
	return s.afterRecipients()
}

// afterRecipients sends DATA once the body is available, waits for it while
// it loads, and resets the transaction when loading failed.
func (s *Session) afterRecipients() error {
	m := s.head()
	switch m.State() {
	case message.StateBodyLoaded:
		s.send("DATA")
		s.state = StateSendingDATA
	case message.StateLoadingFailed:
		s.logger.Warn("message body unavailable, resetting transaction", "path", m.Path(), "error", m.Err())
		s.send("RSET")
		s.state = StateSendingRSET
	default:
		s.state = StateLoadingMessageBody
	}
	return nil
}

func (s *Session) quit() {
	s.send("QUIT")
	s.state = StateSendingQUIT
}

func (s *Session) send(format string, args ...any) {
	s.out = fmt.Appendf(s.out, format, args...)
	s.out = append(s.out, crlf...)
}

// dequeue drops the head message and its reference.
func (s *Session) dequeue(result string) error {
	m := s.messages.Remove().(*message.Message)
	s.rcpts = nil
	s.rcptIndex = 0
	s.metrics.Delivery(result)
	return m.Release()
}

func (s *Session) closeSocket() error {
	if s.fd == -1 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	s.polled = false
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("session to %s: close socket: %w", s.host, err)
	}
	return nil
}

// close tears the session down. Queued messages are released without being
// marked sent, so their spool files survive for a later attempt.
func (s *Session) close(reason string) error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	var errs []error
	if err := s.closeSocket(); err != nil {
		errs = append(errs, err)
	}
	if err := s.resolver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session to %s: close resolver: %w", s.host, err))
	}
	released := s.messages.Length()
	for s.messages.Length() > 0 {
		m := s.messages.Remove().(*message.Message)
		if err := m.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	s.rcpts = nil
	s.in = nil
	s.out = nil
	s.outOff = 0

	s.metrics.SessionClosed(reason)
	s.logger.Info("session closed", "reason", reason, "released", released)
	return errors.Join(errs...)
}

// Close finalizes the session, aborting it if it is still active.
func (s *Session) Close() error {
	return s.close(metrics.CloseShutdown)
}
