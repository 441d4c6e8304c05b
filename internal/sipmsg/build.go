package sipmsg

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewResponse builds a response to a request, mirroring the dialog-forming
// headers: every Via in order, then From, Call-ID, CSeq, and To. toTag is
// appended to the To header unless the header already carries a tag or
// toTag is empty (provisional 100 Trying goes out untagged).
func NewResponse(req *Request, status int, reason, toTag string) *Response {
	res := &Response{
		Proto:      Proto,
		StatusCode: status,
		Reason:     reason,
	}

	for _, via := range req.Headers.Values("Via") {
		res.Headers.Add("Via", via)
	}
	for _, name := range []string{"From", "Call-ID", "CSeq"} {
		if v := req.Headers.Get(name); v != "" {
			res.Headers.Add(name, v)
		}
	}
	to := req.Headers.Get("To")
	if to != "" {
		if toTag != "" && !strings.Contains(to, ";tag=") {
			to += ";tag=" + toTag
		}
		res.Headers.Add("To", to)
	}
	return res
}

// NewRequest builds an outbound request with the given method and
// request-URI. Callers add Via, From, To, Call-ID, CSeq, and Max-Forwards.
func NewRequest(method, uri string) *Request {
	return &Request{
		Method: method,
		URI:    uri,
		Proto:  Proto,
	}
}

// SetBody attaches a body and its Content-Type. Content-Length is written
// during Marshal from the actual byte count.
func (r *Response) SetBody(contentType string, body []byte) {
	r.Headers.Add("Content-Type", contentType)
	r.Body = body
}

// Marshal serializes the response to wire bytes with a correct
// Content-Length.
func (r *Response) Marshal() []byte {
	var b strings.Builder
	b.WriteString(r.Proto)
	b.WriteString(" ")
	b.WriteString(strconv.Itoa(r.StatusCode))
	b.WriteString(" ")
	b.WriteString(r.Reason)
	b.WriteString("\r\n")
	writeHeaders(&b, r.Headers, len(r.Body))
	b.Write(r.Body)
	return []byte(b.String())
}

// Marshal serializes the request to wire bytes with a correct
// Content-Length.
func (r *Request) Marshal() []byte {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString(" ")
	b.WriteString(r.URI)
	b.WriteString(" ")
	b.WriteString(r.Proto)
	b.WriteString("\r\n")
	writeHeaders(&b, r.Headers, len(r.Body))
	b.Write(r.Body)
	return []byte(b.String())
}

func writeHeaders(b *strings.Builder, headers Headers, bodyLen int) {
	for _, hdr := range headers {
		if hdr.Name == "Content-Length" {
			continue // always recomputed
		}
		b.WriteString(hdr.Name)
		b.WriteString(": ")
		b.WriteString(hdr.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(bodyLen))
	b.WriteString("\r\n\r\n")
}

// NewTag generates a dialog tag.
func NewTag() string {
	return shortID()
}

// NewBranch generates a transaction branch with the RFC 3261 magic cookie.
func NewBranch() string {
	return BranchMagic + shortID()
}

func shortID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}
