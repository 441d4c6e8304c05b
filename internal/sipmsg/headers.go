package sipmsg

import (
	"strconv"
	"strings"
)

// BranchMagic is the RFC 3261 magic cookie prefixing transaction branches.
const BranchMagic = "z9hG4bK"

// Branch extracts the branch parameter from the top Via header.
// Returns "" if the request has no Via or no branch parameter.
func (r *Request) Branch() string {
	return viaParam(r.Headers.Get("Via"), "branch")
}

// CallID returns the Call-ID header value.
func (r *Request) CallID() string {
	return r.Headers.Get("Call-ID")
}

// FromTag returns the tag parameter of the From header, or "".
func (r *Request) FromTag() string {
	return headerTag(r.Headers.Get("From"))
}

// ToTag returns the tag parameter of the To header, or "".
func (r *Request) ToTag() string {
	return headerTag(r.Headers.Get("To"))
}

// CSeq returns the sequence number and method from the CSeq header.
func (r *Request) CSeq() (int, string) {
	parts := strings.Fields(r.Headers.Get("CSeq"))
	if len(parts) != 2 {
		return 0, ""
	}
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, ""
	}
	return seq, parts[1]
}

// ContactURI returns the Contact header URI with angle brackets and
// parameters stripped, or "" if absent.
func (r *Request) ContactURI() string {
	contact := r.Headers.Get("Contact")
	if contact == "" {
		return ""
	}
	if start := strings.Index(contact, "<"); start >= 0 {
		if end := strings.Index(contact[start:], ">"); end > 0 {
			return contact[start+1 : start+end]
		}
	}
	// Bare URI form; strip parameters.
	if idx := strings.Index(contact, ";"); idx >= 0 {
		contact = contact[:idx]
	}
	return strings.TrimSpace(contact)
}

// ViaSentByPort returns the port from the top Via sent-by, or 0 if the Via
// carries no explicit port. Responses are routed to the sent-by port rather
// than the datagram source port (RFC 3261 §18.2.2); hardphones commonly
// listen on 5060 regardless of their sending socket.
func (r *Request) ViaSentByPort() int {
	via := r.Headers.Get("Via")
	if via == "" {
		return 0
	}
	sentBy := via
	if idx := strings.Index(sentBy, ";"); idx >= 0 {
		sentBy = sentBy[:idx]
	}
	// "SIP/2.0/UDP host:port"
	fields := strings.Fields(sentBy)
	if len(fields) < 2 {
		return 0
	}
	hostPort := fields[1]
	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return 0
	}
	port, err := strconv.Atoi(hostPort[idx+1:])
	if err != nil {
		return 0
	}
	return port
}

// TagReceived rewrites the top Via header with a received parameter
// carrying the observed source address, and fills in the rport parameter
// if the client requested it (RFC 3581). It reports whether rport was
// requested, which decides where responses are routed.
func (r *Request) TagReceived(host string, port int) bool {
	for i, hdr := range r.Headers {
		if hdr.Name != "Via" {
			continue
		}
		parts := strings.Split(hdr.Value, ";")
		out := parts[:1:1]
		rport := false
		for _, p := range parts[1:] {
			if strings.TrimSpace(p) == "rport" {
				rport = true
				out = append(out, "rport="+strconv.Itoa(port))
				continue
			}
			out = append(out, p)
		}
		out = append(out, "received="+host)
		r.Headers[i].Value = strings.Join(out, ";")
		return rport
	}
	return false
}

// viaParam extracts a named parameter from a Via header value.
func viaParam(via, name string) string {
	for part := range strings.SplitSeq(via, ";") {
		part = strings.TrimSpace(part)
		if val, ok := strings.CutPrefix(part, name+"="); ok {
			return val
		}
	}
	return ""
}

// headerTag extracts the tag parameter from a From/To header value.
func headerTag(value string) string {
	_, after, ok := strings.Cut(value, ";tag=")
	if !ok {
		return ""
	}
	if idx := strings.Index(after, ";"); idx >= 0 {
		after = after[:idx]
	}
	return after
}
