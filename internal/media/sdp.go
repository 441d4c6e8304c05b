// Package media implements the audio side of the bridge: SDP offer/answer,
// codec negotiation, G.711 transcoding, RTP port allocation, and the
// per-call bridge relaying frames between the phone and the voice platform.
package media

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Connection is SDP connection data from a c= line:
// c=<nettype> <addrtype> <connection-address>
type Connection struct {
	NetType  string
	AddrType string
	Address  string
}

func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Codec is a codec declared by an rtpmap attribute.
type Codec struct {
	PayloadType int
	Name        string // "PCMU", "PCMA", "opus", ...
	ClockRate   int
	Channels    int // 0 means unspecified (one channel)
}

func (c Codec) String() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 0 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// MediaDescription is a parsed m= section with its attributes.
type MediaDescription struct {
	Type       string // "audio", "video", ...
	Port       int
	Proto      string // "RTP/AVP", ...
	Formats    []int  // payload types in offer order
	Connection *Connection
	Codecs     []Codec
}

// CodecByPayloadType returns the declared codec for a payload type, or nil.
func (m *MediaDescription) CodecByPayloadType(pt int) *Codec {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			return &m.Codecs[i]
		}
	}
	return nil
}

// SessionDescription is a parsed SDP session.
type SessionDescription struct {
	Version     int
	Origin      string
	SessionName string
	Connection  *Connection
	Time        string
	Media       []MediaDescription
}

// AudioMedia returns the first audio media description, or nil.
func (s *SessionDescription) AudioMedia() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// AudioAddress resolves the RTP address for a media section, preferring the
// media-level c= line over the session-level one.
func (s *SessionDescription) AudioAddress(m *MediaDescription) (*net.UDPAddr, error) {
	var addr string
	switch {
	case m.Connection != nil:
		addr = m.Connection.Address
	case s.Connection != nil:
		addr = s.Connection.Address
	default:
		return nil, fmt.Errorf("no connection address for media")
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid media address %q", addr)
	}
	return &net.UDPAddr{IP: ip, Port: m.Port}, nil
}

// ParseSDP parses an SDP body. Lines it does not understand are skipped;
// an SDP offer from a phone routinely carries attributes we never inspect.
func ParseSDP(data []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("empty sdp body")
	}

	sd := &SessionDescription{}
	var current *MediaDescription

	for _, line := range lines {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'v':
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp version: %w", err)
			}
			sd.Version = v
		case 'o':
			sd.Origin = value
		case 's':
			sd.SessionName = value
		case 'c':
			conn, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp connection: %w", err)
			}
			if current != nil {
				current.Connection = &conn
			} else {
				sd.Connection = &conn
			}
		case 't':
			sd.Time = value
		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp media line: %w", err)
			}
			sd.Media = append(sd.Media, md)
			current = &sd.Media[len(sd.Media)-1]
		case 'a':
			if current != nil {
				if codec, ok := parseRtpmap(value); ok {
					current.Codecs = append(current.Codecs, codec)
				}
			}
		}
	}

	return sd, nil
}

// parseConnection parses "<nettype> <addrtype> <address>[/ttl]".
func parseConnection(value string) (Connection, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	addr := parts[2]
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid ip address %q", addr)
	}
	return Connection{NetType: parts[0], AddrType: parts[1], Address: addr}, nil
}

// parseMediaLine parses "<media> <port>[/n] <proto> <fmt> ...".
func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(parts))
	}

	md := MediaDescription{Type: parts[0], Proto: parts[2]}

	portStr := parts[1]
	if idx := strings.Index(portStr, "/"); idx >= 0 {
		portStr = portStr[:idx]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port

	for _, fmtStr := range parts[3:] {
		pt, err := strconv.Atoi(fmtStr)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid payload type %q: %w", fmtStr, err)
		}
		md.Formats = append(md.Formats, pt)
	}
	return md, nil
}

// parseRtpmap parses an "rtpmap:<pt> <name>/<rate>[/<channels>]" attribute.
// Non-rtpmap attributes report ok=false.
func parseRtpmap(attr string) (Codec, bool) {
	value, ok := strings.CutPrefix(attr, "rtpmap:")
	if !ok {
		return Codec{}, false
	}
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return Codec{}, false
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return Codec{}, false
	}
	encParts := strings.Split(enc, "/")
	if len(encParts) < 2 {
		return Codec{}, false
	}
	rate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, false
	}
	codec := Codec{PayloadType: pt, Name: encParts[0], ClockRate: rate}
	if len(encParts) >= 3 {
		if ch, err := strconv.Atoi(encParts[2]); err == nil {
			codec.Channels = ch
		}
	}
	return codec, true
}
