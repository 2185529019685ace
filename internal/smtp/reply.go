package smtp

import (
	"bytes"
	"errors"
	"fmt"
)

// ReplyCode is a three-digit SMTP reply code (RFC 5321 §4.2).
type ReplyCode int

// Reply codes the delivery session acts on.
const (
	ReplyServiceReady      ReplyCode = 220
	ReplyServiceClosing    ReplyCode = 221
	ReplyOK                ReplyCode = 250
	ReplyStartMailInput    ReplyCode = 354
	ReplyTransactionFailed ReplyCode = 554
)

// maxReplySize bounds the bytes buffered while waiting for a reply to end.
const maxReplySize = 64 * 1024

var (
	ErrMalformedReply = errors.New("malformed reply")
	ErrReplyTooLong   = errors.New("reply too long")
)

// Reply is one complete server reply. Multi-line replies keep the text of
// every line; the code is the one of the final line.
type Reply struct {
	Code  ReplyCode
	Lines []string
}

// Text joins the reply lines.
func (r Reply) Text() string {
	var b bytes.Buffer
	for i, line := range r.Lines {
		if i > 0 {
			b.WriteString(" / ")
		}
		b.WriteString(line)
	}
	return b.String()
}

// parseReply extracts the first complete reply from buf and reports how many
// bytes it used. n is zero while the reply is still incomplete.
func parseReply(buf []byte) (reply Reply, n int, err error) {
	rest := buf
	for {
		i := bytes.Index(rest, []byte("\r\n"))
		if i < 0 {
			if len(buf) > maxReplySize {
				return Reply{}, 0, ErrReplyTooLong
			}
			return Reply{}, 0, nil
		}
		line := rest[:i]
		rest = rest[i+2:]

		code, last, text, err := parseReplyLine(line)
		if err != nil {
			return Reply{}, 0, err
		}
		if len(reply.Lines) > 0 && code != reply.Code {
			return Reply{}, 0, fmt.Errorf("%w: code changed from %d to %d", ErrMalformedReply, reply.Code, code)
		}
		reply.Code = code
		reply.Lines = append(reply.Lines, text)
		if last {
			return reply, len(buf) - len(rest), nil
		}
	}
}

// parseReplyLine splits "250-text" or "250 text" (or a bare "250").
func parseReplyLine(line []byte) (code ReplyCode, last bool, text string, err error) {
	if len(line) < 3 {
		return 0, false, "", fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	for _, c := range line[:3] {
		if c < '0' || c > '9' {
			return 0, false, "", fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		code = code*10 + ReplyCode(c-'0')
	}
	if len(line) == 3 {
		return code, true, "", nil
	}
	switch line[3] {
	case '-':
		return code, false, string(line[4:]), nil
	case ' ':
		return code, true, string(line[4:]), nil
	default:
		return 0, false, "", fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
}
