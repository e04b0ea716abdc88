// Package sip implements the caller-ID ingestion client's SIP surface:
// message framing, digest authentication, the datagram transport, the
// request correlator, the registration controller, and the INVITE
// observer (components A through F of the design).
package sip

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrKeepAlive marks a datagram that was a bare NUL keep-alive ping rather
// than a SIP message. Callers drop it silently.
var ErrKeepAlive = errors.New("sip: keep-alive ping")

var (
	responseLine = regexp.MustCompile(`^SIP/2\.0 ([0-9]{3}) (.*)$`)
	requestLine  = regexp.MustCompile(`^([A-Za-z]+) (.+) SIP/2\.0$`)
)

// Headers is a case-insensitive, order-preserving, multi-value header map.
// Repeated header lines are common on REGISTER challenges (multiple Via,
// multiple Authorization-adjacent headers); this keeps every occurrence and
// its original order rather than collapsing to the last value the way
// net/textproto.MIMEHeader effectively does for most call sites.
type Headers struct {
	order  []string
	values map[string][]string
}

// NewHeaders returns an empty Headers ready to accept values.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// Add appends a value for name, preserving name's first-seen casing and
// first-occurrence position.
func (h *Headers) Add(name, value string) {
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, name)
	}
	h.values[key] = append(h.values[key], value)
}

// Get returns every value stored for name joined with "\n", and whether
// name was present at all.
func (h *Headers) Get(name string) (string, bool) {
	vals, ok := h.values[strings.ToLower(name)]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return strings.Join(vals, "\n"), true
}

// GetAll returns the individual values for name in insertion order.
func (h *Headers) GetAll(name string) []string {
	return h.values[strings.ToLower(name)]
}

// Names returns header names in first-occurrence order.
func (h *Headers) Names() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Message is implemented by Request and Response.
type Message interface {
	StartLine() string
	Headers() *Headers
	Body() []byte
}

// Request is a SIP request: a method, a request URI, headers, and a body.
type Request struct {
	Method     string
	RequestURI string
	Hdrs       *Headers
	Payload    []byte
}

func (r *Request) StartLine() string { return fmt.Sprintf("%s %s SIP/2.0", r.Method, r.RequestURI) }
func (r *Request) Headers() *Headers { return r.Hdrs }
func (r *Request) Body() []byte      { return r.Payload }

// Response is a SIP response: a status code, a reason phrase, headers, and
// a body.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Hdrs         *Headers
	Payload      []byte
}

func (r *Response) StartLine() string {
	return fmt.Sprintf("SIP/2.0 %d %s", r.StatusCode, r.ReasonPhrase)
}
func (r *Response) Headers() *Headers { return r.Hdrs }
func (r *Response) Body() []byte      { return r.Payload }

// ParseMessage parses a single UDP datagram into a Message. A bare NUL byte
// (the registrar's keep-alive ping) yields ErrKeepAlive, not a parse error.
func ParseMessage(datagram []byte) (Message, error) {
	if len(datagram) > 0 && datagram[0] == 0x00 {
		return nil, ErrKeepAlive
	}

	headerPart, body := splitHeadersBody(datagram)
	lines := strings.Split(headerPart, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("sip: empty start line")
	}

	start := lines[0]
	hdrs := NewHeaders()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("sip: malformed header line %q", line)
		}
		hdrs.Add(k, v)
	}

	if m := responseLine.FindStringSubmatch(start); m != nil {
		code := 0
		if _, err := fmt.Sscanf(m[1], "%d", &code); err != nil {
			return nil, fmt.Errorf("sip: malformed status code %q: %w", m[1], err)
		}
		return &Response{StatusCode: code, ReasonPhrase: m[2], Hdrs: hdrs, Payload: body}, nil
	}
	if m := requestLine.FindStringSubmatch(start); m != nil {
		return &Request{Method: m[1], RequestURI: m[2], Hdrs: hdrs, Payload: body}, nil
	}

	return nil, fmt.Errorf("sip: unrecognized start line %q", start)
}

// splitHeadersBody splits datagram at the first CRLF CRLF boundary. If no
// such boundary exists the whole datagram is treated as headers with an
// empty body.
func splitHeadersBody(datagram []byte) (string, []byte) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(datagram, sep)
	if idx < 0 {
		return string(datagram), nil
	}
	return string(datagram[:idx]), datagram[idx+len(sep):]
}

// Serialize renders m back to wire bytes: start line, headers (one line per
// value, in first-occurrence order), a blank line, and the body.
func Serialize(m Message) []byte {
	var buf bytes.Buffer
	buf.WriteString(m.StartLine())
	buf.WriteString("\r\n")
	hdrs := m.Headers()
	for _, name := range hdrs.Names() {
		for _, v := range hdrs.GetAll(name) {
			buf.WriteString(name)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(m.Body())
	return buf.Bytes()
}
