package smtp

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-outbound-lite/internal/dns"
	"github.com/shineum/smtp-outbound-lite/internal/dns/dnstest"
	"github.com/shineum/smtp-outbound-lite/internal/message"
	"github.com/shineum/smtp-outbound-lite/internal/reactor"
)

// peer is a scripted SMTP server. It sends the first reply as greeting and
// then answers every command with the next reply. An empty reply closes the
// connection instead of answering.
type peer struct {
	ln   net.Listener
	done chan struct{}

	mu       sync.Mutex
	commands []string
}

func startPeer(t *testing.T, replies ...string) *peer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	p := &peer{ln: ln, done: make(chan struct{})}
	go p.serve(replies)
	return p
}

func (p *peer) serve(replies []string) {
	defer close(p.done)

	conn, err := p.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	if _, err := conn.Write([]byte(replies[0] + "\r\n")); err != nil {
		return
	}

	inData := false
	for _, reply := range replies[1:] {
		var command string
		if inData {
			payload, err := readPayload(reader)
			if err != nil {
				return
			}
			command = payload
		} else {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			command = strings.TrimRight(line, "\r\n")
		}
		p.record(command)

		if reply == "" {
			return
		}
		inData = strings.HasPrefix(reply, "354")
		if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
			return
		}
	}
	io.Copy(io.Discard, reader)
}

// readPayload reads DATA content up to and including the end marker.
func readPayload(reader *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		if line == ".\r\n" {
			return b.String(), nil
		}
	}
}

func (p *peer) record(command string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, command)
}

func (p *peer) transcript(t *testing.T) []string {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not finish")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

func (p *peer) port(t *testing.T) uint16 {
	t.Helper()
	_, port, err := net.SplitHostPort(p.ln.Addr().String())
	if err != nil {
		t.Fatalf("split address: %v", err)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return uint16(n)
}

// loopbackZone routes host to a single exchanger that only has 127.0.0.1.
func loopbackZone(host string) dnstest.Zone {
	return dnstest.Zone{}.
		MX(host, dns.MX{Host: "mx." + host, Pref: 10}).
		Fail("mx."+host, dns.TypeAAAA, dns.ErrNoData).
		Addrs("mx."+host, dns.TypeA, "127.0.0.1")
}

// loadedMessage writes a spool file and reads its headers.
func loadedMessage(t *testing.T, content string) *message.Message {
	t.Helper()

	path := filepath.Join(t.TempDir(), "msg")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write spool file: %v", err)
	}
	m := message.New(path)
	r := reactor.New()
	for i := 0; m.State() == message.StateLoadingHeaders; i++ {
		if i > 100 {
			t.Fatal("headers did not load")
		}
		r.Clear()
		m.Subscribe(r)
		if err := r.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if err := m.Notify(r); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if m.State() != message.StateHeadersLoaded {
		t.Fatalf("message state: got %v, want %v (%v)", m.State(), message.StateHeadersLoaded, m.Err())
	}
	return m
}

// hand gives the session its own reference and drops the caller's, as the
// orchestrator does.
func hand(t *testing.T, s *Session, m *message.Message) {
	t.Helper()
	if !s.Enqueue(m.Retain()) {
		t.Fatal("session refused message")
	}
	if err := m.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

// run drives the session until it closes.
func run(t *testing.T, s *Session) {
	t.Helper()

	r := reactor.New()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %v", s.State())
		}
		r.Clear()
		s.Subscribe(r)
		r.Register(-1, 0, 100*time.Millisecond)
		if err := r.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if err := s.Notify(r); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
}

func newSession(t *testing.T, host string, port uint16, zone dnstest.Zone) (*Session, *dnstest.Resolver) {
	t.Helper()
	res := dnstest.NewResolver(zone)
	s := New(Config{Host: host, HeloName: "client.test", Port: port, Resolver: res})
	t.Cleanup(func() { s.Close() })
	return s, res
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func compare(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("transcript: got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSession_DeliversAndRemovesSpoolFile(t *testing.T) {
	t.Parallel()

	p := startPeer(t, "220 mx.y.test ESMTP", "250 hello", "250 sender ok", "250 rcpt ok", "354 go ahead", "250 queued", "221 bye")
	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\n\r\nhello\r\n")
	path := m.Path()

	s, _ := newSession(t, "y.test", p.port(t), loopbackZone("y.test"))
	hand(t, s, m)
	run(t, s)

	compare(t, p.transcript(t), []string{
		"HELO client.test",
		"MAIL FROM:<a@x>",
		"RCPT TO:<b@y.test>",
		"DATA",
		"\r\nhello\r\n.\r\n",
		"QUIT",
	})
	if exists(path) {
		t.Error("spool file should be removed after delivery")
	}
	if s.Queued() != 0 {
		t.Errorf("Queued: got %d, want 0", s.Queued())
	}
}

func TestSession_UnexpectedReplyKeepsSpoolFile(t *testing.T) {
	t.Parallel()

	p := startPeer(t, "220 ready", "500 what")
	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\n\r\nhello\r\n")

	s, res := newSession(t, "y.test", p.port(t), loopbackZone("y.test"))
	hand(t, s, m)
	run(t, s)

	compare(t, p.transcript(t), []string{"HELO client.test"})
	if !exists(m.Path()) {
		t.Error("spool file must survive a failed session")
	}
	if m.Refs() != 0 {
		t.Errorf("Refs: got %d, want 0 after close", m.Refs())
	}
	if !res.Closed {
		t.Error("resolver should be closed with the session")
	}
}

func TestSession_RefusedGreetingQuits(t *testing.T) {
	t.Parallel()

	p := startPeer(t, "554 no service", "221 bye")
	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\n\r\nhello\r\n")

	s, _ := newSession(t, "y.test", p.port(t), loopbackZone("y.test"))
	hand(t, s, m)
	run(t, s)

	compare(t, p.transcript(t), []string{"QUIT"})
	if !exists(m.Path()) {
		t.Error("spool file must survive a refused session")
	}
}

func TestSession_MultiLineGreeting(t *testing.T) {
	t.Parallel()

	p := startPeer(t, "220-mx.y.test\r\n220 ready", "250-mx.y.test\r\n250 PIPELINING", "250 ok", "250 ok", "354 go", "250 ok", "221 bye")
	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\nSubject: hi\r\n\r\nhello\r\n")

	s, _ := newSession(t, "y.test", p.port(t), loopbackZone("y.test"))
	hand(t, s, m)
	run(t, s)

	got := p.transcript(t)
	if len(got) != 6 || got[4] != "Subject: hi\r\n\r\nhello\r\n.\r\n" {
		t.Errorf("transcript: got %q", got)
	}
	if exists(m.Path()) {
		t.Error("spool file should be removed after delivery")
	}
}

func TestSession_SeveralMessagesAndRecipients(t *testing.T) {
	t.Parallel()

	p := startPeer(t,
		"220 ready", "250 hello",
		"250 ok", "250 ok", "250 ok", "354 go", "250 ok",
		"250 ok", "250 ok", "354 go", "250 ok",
		"221 bye",
	)
	first := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\nX-Original-To: c@Y.TEST\r\n\r\none\r\n")
	second := loadedMessage(t, "X-Original-From: d@x\r\nX-Original-To: e@y.test\r\n\r\n.\r\ntwo\r\n")

	s, _ := newSession(t, "y.test", p.port(t), loopbackZone("y.test"))
	hand(t, s, first)
	hand(t, s, second)
	run(t, s)

	compare(t, p.transcript(t), []string{
		"HELO client.test",
		"MAIL FROM:<a@x>",
		"RCPT TO:<b@y.test>",
		"RCPT TO:<c@y.test>",
		"DATA",
		"\r\none\r\n.\r\n",
		"MAIL FROM:<d@x>",
		"RCPT TO:<e@y.test>",
		"DATA",
		"\r\n..\r\ntwo\r\n.\r\n",
		"QUIT",
	})
	if exists(first.Path()) || exists(second.Path()) {
		t.Error("both spool files should be removed")
	}
}

func TestSession_UnreadableBodyIsReset(t *testing.T) {
	t.Parallel()

	p := startPeer(t, "220 ready", "250 hello", "250 ok", "250 ok", "250 reset", "221 bye")
	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\n\r\nhello\r\n")
	// The body is read from the file again once the transaction starts.
	if err := os.Remove(m.Path()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	s, _ := newSession(t, "y.test", p.port(t), loopbackZone("y.test"))
	hand(t, s, m)
	run(t, s)

	compare(t, p.transcript(t), []string{
		"HELO client.test",
		"MAIL FROM:<a@x>",
		"RCPT TO:<b@y.test>",
		"RSET",
		"QUIT",
	})
	if m.State() != message.StateLoadingFailed {
		t.Errorf("message state: got %v, want %v", m.State(), message.StateLoadingFailed)
	}
}

func TestSession_PeerDisconnect(t *testing.T) {
	t.Parallel()

	p := startPeer(t, "220 ready", "")
	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\n\r\nhello\r\n")

	s, _ := newSession(t, "y.test", p.port(t), loopbackZone("y.test"))
	hand(t, s, m)
	run(t, s)

	compare(t, p.transcript(t), []string{"HELO client.test"})
	if !exists(m.Path()) {
		t.Error("spool file must survive a dropped connection")
	}
}

func TestSession_AddressFallbackOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		zone        dnstest.Zone
		wantLookups []string
	}{
		{
			name: "first exchanger has no addresses",
			zone: dnstest.Zone{}.
				MX("y.test", dns.MX{Host: "mx1.y.test", Pref: 10}, dns.MX{Host: "mx2.y.test", Pref: 20}).
				Fail("mx1.y.test", dns.TypeAAAA, dns.ErrNoData).
				Fail("mx1.y.test", dns.TypeA, dns.ErrNoData).
				Fail("mx2.y.test", dns.TypeAAAA, dns.ErrNoData).
				Addrs("mx2.y.test", dns.TypeA, "127.0.0.1"),
			wantLookups: []string{"y.test MX", "mx1.y.test AAAA", "mx1.y.test A", "mx2.y.test AAAA", "mx2.y.test A"},
		},
		{
			name: "first exchanger only has ipv4",
			zone: dnstest.Zone{}.
				MX("y.test", dns.MX{Host: "mx1.y.test", Pref: 10}, dns.MX{Host: "mx2.y.test", Pref: 20}).
				Fail("mx1.y.test", dns.TypeAAAA, dns.ErrNoData).
				Addrs("mx1.y.test", dns.TypeA, "127.0.0.1"),
			wantLookups: []string{"y.test MX", "mx1.y.test AAAA", "mx1.y.test A"},
		},
		{
			name: "refused address falls through to the next one",
			zone: dnstest.Zone{}.
				MX("y.test", dns.MX{Host: "mx1.y.test", Pref: 10}).
				Fail("mx1.y.test", dns.TypeAAAA, dns.ErrNoData).
				Addrs("mx1.y.test", dns.TypeA, "127.0.0.2", "127.0.0.1"),
			wantLookups: []string{"y.test MX", "mx1.y.test AAAA", "mx1.y.test A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := startPeer(t, "554 busy", "221 bye")
			s, res := newSession(t, "y.test", p.port(t), tt.zone)
			run(t, s)

			compare(t, p.transcript(t), []string{"QUIT"})
			compare(t, res.Lookups, tt.wantLookups)
		})
	}
}

func TestSession_ExhaustedExchangers(t *testing.T) {
	t.Parallel()

	zone := dnstest.Zone{}.
		MX("y.test", dns.MX{Host: "mx1.y.test", Pref: 10}, dns.MX{Host: "mx2.y.test", Pref: 20})
	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\n\r\nhello\r\n")

	s, res := newSession(t, "y.test", 25, zone)
	hand(t, s, m)
	run(t, s)

	compare(t, res.Lookups, []string{"y.test MX", "mx1.y.test AAAA", "mx1.y.test A", "mx2.y.test AAAA", "mx2.y.test A"})
	if !exists(m.Path()) {
		t.Error("spool file must survive an undeliverable destination")
	}
	if m.Refs() != 0 {
		t.Errorf("Refs: got %d, want 0", m.Refs())
	}
}

func TestSession_MXLookupFailure(t *testing.T) {
	t.Parallel()

	s, res := newSession(t, "nowhere.test", 25, dnstest.Zone{})
	run(t, s)

	compare(t, res.Lookups, []string{"nowhere.test MX"})
}

func TestSession_AcceptingUntilQuit(t *testing.T) {
	t.Parallel()

	p := startPeer(t, "220 ready", "250 hello", "221 bye")
	s, _ := newSession(t, "y.test", p.port(t), loopbackZone("y.test"))
	if !s.Accepting() {
		t.Fatal("new session should accept messages")
	}
	run(t, s)

	compare(t, p.transcript(t), []string{"HELO client.test", "QUIT"})
	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\n\r\nhello\r\n")
	if s.Accepting() || s.Enqueue(m) {
		t.Error("closed session must not take messages")
	}
	if m.Refs() != 1 {
		t.Errorf("Refs: got %d, want 1 (reference stays with the caller)", m.Refs())
	}
}

func TestSession_CloseReleasesQueue(t *testing.T) {
	t.Parallel()

	m := loadedMessage(t, "X-Original-From: a@x\r\nX-Original-To: b@y.test\r\n\r\nhello\r\n")
	s, res := newSession(t, "y.test", 25, loopbackZone("y.test"))
	hand(t, s, m)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State: got %v, want %v", s.State(), StateClosed)
	}
	if m.Refs() != 0 || !exists(m.Path()) {
		t.Errorf("message: refs %d, file exists %v; want 0, true", m.Refs(), exists(m.Path()))
	}
	if !res.Closed {
		t.Error("resolver should be closed")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	if got := StateSendingMailOrRcpt.String(); got != "sending-mail-or-rcpt" {
		t.Errorf("got %q", got)
	}
	if got := State(99).String(); got != "state(99)" {
		t.Errorf("got %q", got)
	}
}
