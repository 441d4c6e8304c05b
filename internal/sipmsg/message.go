// Package sipmsg parses and serializes SIP messages carried in transport
// datagrams. It handles wire syntax only: header normalization, start lines,
// bodies, and Content-Length. Protocol semantics (transactions, dialogs)
// live in internal/sip.
package sipmsg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Proto is the only protocol version this codec accepts.
const Proto = "SIP/2.0"

// ErrNotSIP indicates a datagram that is not a SIP message at all.
// Callers drop these silently; there is no party to answer.
var ErrNotSIP = errors.New("not a sip message")

// ParseError indicates a datagram that is recognizably SIP but malformed.
// Callers may answer 400 Bad Request where a transaction can be opened.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "malformed sip message: " + e.Reason
}

// compactForms maps RFC 3261 compact header names to their canonical forms.
// Normalization happens during parsing so no other component ever sees a
// compact name.
var compactForms = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"c": "Content-Type",
	"l": "Content-Length",
	"k": "Supported",
	"s": "Subject",
	"e": "Content-Encoding",
}

// canonicalNames fixes capitalization for headers whose canonical form is
// not what textproto-style Title-Casing would produce.
var canonicalNames = map[string]string{
	"call-id":             "Call-ID",
	"cseq":                "CSeq",
	"www-authenticate":    "WWW-Authenticate",
	"mime-version":        "MIME-Version",
	"content-id":          "Content-ID",
	"sip-etag":            "SIP-ETag",
	"sip-if-match":        "SIP-If-Match",
	"rack":                "RAck",
	"rseq":                "RSeq",
	"p-asserted-identity": "P-Asserted-Identity",
}

// CanonicalHeaderName normalizes a header name: compact forms expand to the
// full name, and capitalization is fixed to the RFC canonical form.
func CanonicalHeaderName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if len(lower) == 1 {
		if full, ok := compactForms[lower]; ok {
			return full
		}
	}
	if canonical, ok := canonicalNames[lower]; ok {
		return canonical
	}
	// Title-case each dash-separated token (via -> Via, max-forwards -> Max-Forwards).
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// Header is a single header field in wire order.
type Header struct {
	Name  string // canonical form
	Value string
}

// Headers is an ordered header list. Order is preserved so responses can
// mirror Via headers exactly as received.
type Headers []Header

// Get returns the first value for the given header name, or "".
func (h Headers) Get(name string) string {
	canonical := CanonicalHeaderName(name)
	for _, hdr := range h {
		if hdr.Name == canonical {
			return hdr.Value
		}
	}
	return ""
}

// Values returns all values for the given header name in wire order.
func (h Headers) Values(name string) []string {
	canonical := CanonicalHeaderName(name)
	var out []string
	for _, hdr := range h {
		if hdr.Name == canonical {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Add appends a header, normalizing the name.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: CanonicalHeaderName(name), Value: value})
}

// Request is a parsed SIP request.
type Request struct {
	Method  string
	URI     string
	Proto   string
	Headers Headers
	Body    []byte
}

// Response is a SIP response, either parsed or under construction.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Headers    Headers
	Body       []byte
}

// Message is the closed request/response variant produced by Parse.
// Exactly one of Request and Response is non-nil.
type Message struct {
	Request  *Request
	Response *Response
}

// requiredRequestHeaders are mandatory in every request we process.
var requiredRequestHeaders = []string{"Via", "From", "To", "Call-ID", "CSeq"}

// Parse decodes a transport datagram into a request or response.
// It returns ErrNotSIP for datagrams that are not SIP, and *ParseError for
// SIP messages with syntax problems (bad headers, body length mismatch,
// missing mandatory headers).
func Parse(data []byte) (*Message, error) {
	text := string(data)

	headEnd := strings.Index(text, "\r\n\r\n")
	var head, body string
	if headEnd >= 0 {
		head = text[:headEnd]
		body = text[headEnd+4:]
	} else {
		head = strings.TrimRight(text, "\r\n")
	}

	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, ErrNotSIP
	}

	startLine := lines[0]
	headers, err := parseHeaders(lines[1:])
	if err != nil {
		// Only a parse error once we know the start line is SIP.
		if !isSIPStartLine(startLine) {
			return nil, ErrNotSIP
		}
		return nil, err
	}

	var msg *Message
	switch {
	case strings.HasPrefix(startLine, Proto+" "):
		res, perr := parseStatusLine(startLine)
		if perr != nil {
			return nil, perr
		}
		res.Headers = headers
		msg = &Message{Response: res}

	default:
		req, perr := parseRequestLine(startLine)
		if perr != nil {
			return nil, perr
		}
		req.Headers = headers
		for _, name := range requiredRequestHeaders {
			if headers.Get(name) == "" {
				return nil, &ParseError{Reason: "missing " + name + " header"}
			}
		}
		msg = &Message{Request: req}
	}

	bodyBytes, err := checkBody(headers, []byte(body))
	if err != nil {
		return nil, err
	}
	if msg.Request != nil {
		msg.Request.Body = bodyBytes
	} else {
		msg.Response.Body = bodyBytes
	}
	return msg, nil
}

// isSIPStartLine reports whether a line looks like a SIP request or status
// line, used to pick between ErrNotSIP and ParseError.
func isSIPStartLine(line string) bool {
	if strings.HasPrefix(line, Proto+" ") {
		return true
	}
	return strings.HasSuffix(line, " "+Proto)
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[2] != Proto {
		return nil, ErrNotSIP
	}
	method := parts[0]
	if method == "" || strings.ToUpper(method) != method {
		return nil, ErrNotSIP
	}
	if parts[1] == "" {
		return nil, &ParseError{Reason: "empty request-uri"}
	}
	return &Request{
		Method: method,
		URI:    parts[1],
		Proto:  parts[2],
	}, nil
}

func parseStatusLine(line string) (*Response, error) {
	rest := strings.TrimPrefix(line, Proto+" ")
	parts := strings.SplitN(rest, " ", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil || code < 100 || code > 699 {
		return nil, &ParseError{Reason: "invalid status code"}
	}
	reason := ""
	if len(parts) == 2 {
		reason = parts[1]
	}
	return &Response{
		Proto:      Proto,
		StatusCode: code,
		Reason:     reason,
	}, nil
}

func parseHeaders(lines []string) (Headers, error) {
	var headers Headers
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			continue
		}
		// Continuation lines (obsolete folding) fold into the previous value.
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				return nil, &ParseError{Reason: "continuation line before first header"}
			}
			headers[len(headers)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("header line without colon: %q", line)}
		}
		if strings.TrimSpace(name) == "" {
			return nil, &ParseError{Reason: "empty header name"}
		}
		headers.Add(name, strings.TrimSpace(value))
	}
	return headers, nil
}

// checkBody validates the body against Content-Length. Datagram transports
// deliver whole messages, so a declared length longer than the payload is a
// malformed message; extra trailing bytes past the declared length are
// truncated per RFC 3261 §18.3.
func checkBody(headers Headers, body []byte) ([]byte, error) {
	clv := headers.Get("Content-Length")
	if clv == "" {
		return body, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(clv))
	if err != nil || n < 0 {
		return nil, &ParseError{Reason: "invalid Content-Length"}
	}
	if n > len(body) {
		return nil, &ParseError{Reason: fmt.Sprintf("content-length %d exceeds body %d", n, len(body))}
	}
	return body[:n], nil
}
