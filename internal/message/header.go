package message

import (
	"errors"
	"fmt"
	"strings"
)

// Synthetic envelope headers. They are consumed while parsing and never
// forwarded to the remote server.
const (
	SenderHeader    = "X-Original-From"
	RecipientHeader = "X-Original-To"
)

var (
	ErrNoSeparator        = errors.New("no empty line separating headers from body")
	ErrMalformedHeader    = errors.New("malformed header: no ':' separating name from value")
	ErrMalformedRecipient = errors.New("malformed recipient: not an email address")
	ErrMalformedSender    = errors.New("malformed sender: not an email address")
	ErrNoRecipients       = errors.New("no recipients")
)

// Header is one forwarded header field. Value keeps folded continuation
// lines, CRLF included, so it can be written back verbatim.
type Header struct {
	Name  string
	Value string
}

// Destination groups the recipient user-parts served by one remote host.
type Destination struct {
	Host       string
	Recipients []string
}

func (d *Destination) addRecipient(user string) {
	for _, r := range d.Recipients {
		if r == user {
			return
		}
	}
	d.Recipients = append(d.Recipients, user)
}

// envelope is the result of parsing one header block.
type envelope struct {
	headers      []Header
	sender       string
	destinations []*Destination
}

// parseHeaderBlock parses the bytes preceding the CRLF CRLF separator.
func parseHeaderBlock(block string) (*envelope, error) {
	env := &envelope{}
	for _, line := range splitHeaderLines(block) {
		h, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}

		switch {
		case strings.EqualFold(h.Name, SenderHeader):
			sender, ok := envelopeAddress(h.Value)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrMalformedSender, h.Value)
			}
			env.sender = sender
		case strings.EqualFold(h.Name, RecipientHeader):
			addr, ok := envelopeAddress(h.Value)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrMalformedRecipient, h.Value)
			}
			if err := env.addRecipient(addr); err != nil {
				return nil, err
			}
		default:
			env.headers = append(env.headers, h)
		}
	}

	if len(env.destinations) == 0 {
		return nil, ErrNoRecipients
	}
	return env, nil
}

// splitHeaderLines splits on CRLF, joining lines that start with a space or
// tab onto the previous one.
func splitHeaderLines(block string) []string {
	var lines []string
	start, pos := 0, 0
	for {
		i := strings.Index(block[pos:], "\r\n")
		if i < 0 {
			return append(lines, block[start:])
		}
		end := pos + i
		next := end + 2
		if next < len(block) && (block[next] == ' ' || block[next] == '\t') {
			pos = next
			continue
		}
		lines = append(lines, block[start:end])
		start, pos = next, next
	}
}

func parseHeaderLine(line string) (Header, error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return Header{}, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	return Header{
		Name:  strings.TrimRight(line[:colon], " \t"),
		Value: strings.Trim(line[colon+1:], " \t"),
	}, nil
}

// envelopeAddress unfolds an envelope header value. The result goes into
// SMTP commands verbatim, so whitespace or control bytes left inside it make
// the value unusable.
func envelopeAddress(value string) (string, bool) {
	addr := strings.Trim(strings.ReplaceAll(value, "\r\n", ""), " \t")
	for i := 0; i < len(addr); i++ {
		if c := addr[i]; c <= ' ' || c == 0x7f {
			return "", false
		}
	}
	return addr, true
}

// addRecipient files user@host under its destination. Hosts compare
// case-insensitively and are stored lower-cased; user-parts are kept as is.
func (e *envelope) addRecipient(addr string) error {
	if strings.Count(addr, "@") != 1 {
		return fmt.Errorf("%w: %q", ErrMalformedRecipient, addr)
	}
	user, host, _ := strings.Cut(addr, "@")
	if user == "" || host == "" {
		return fmt.Errorf("%w: %q", ErrMalformedRecipient, addr)
	}
	host = strings.ToLower(host)

	for _, d := range e.destinations {
		if d.Host == host {
			d.addRecipient(user)
			return nil
		}
	}
	d := &Destination{Host: host}
	d.addRecipient(user)
	e.destinations = append(e.destinations, d)
	return nil
}
