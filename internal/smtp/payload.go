package smtp

import (
	"bytes"

	"github.com/shineum/smtp-outbound-lite/internal/message"
)

var crlf = []byte("\r\n")

// appendPayload renders the DATA stream for a message: the forwarded headers,
// the blank separator line, the body with every line consisting of a single
// "." doubled, and the end-of-data marker. The stream always ends CRLF.CRLF.
func appendPayload(dst []byte, headers []message.Header, body []byte) []byte {
	for _, h := range headers {
		dst = append(dst, h.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, h.Value...)
		dst = append(dst, crlf...)
	}
	dst = append(dst, crlf...)
	dst = appendDotStuffed(dst, body)

	if len(body) > 0 && !bytes.HasSuffix(body, crlf) {
		dst = append(dst, crlf...)
	}
	return append(dst, ".\r\n"...)
}

// appendDotStuffed copies body, escaping lines that are exactly ".".
func appendDotStuffed(dst, body []byte) []byte {
	for len(body) > 0 {
		line := body
		if i := bytes.Index(body, crlf); i >= 0 {
			line = body[:i+2]
		}
		if bytes.Equal(bytes.TrimSuffix(line, crlf), []byte(".")) {
			dst = append(dst, '.')
		}
		dst = append(dst, line...)
		body = body[len(line):]
	}
	return dst
}
