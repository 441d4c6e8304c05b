package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Static payload types for the supported narrow-band codecs (RFC 3551).
const (
	PayloadPCMU = 0 // G.711 µ-law, 8 kHz
	PayloadPCMA = 8 // G.711 A-law, 8 kHz
)

// ErrNoCompatibleCodec is returned when an offer lists no codec we support.
// Codec mismatch is a user-visible call failure, not a retryable condition.
var ErrNoCompatibleCodec = errors.New("no compatible codec in offer")

// supportedCodecs is the fixed set of codecs we can transcode, in our own
// priority order. Selection is driven by the offer's order, not ours; this
// set only defines membership.
var supportedCodecs = map[int]string{
	PayloadPCMU: "PCMU",
	PayloadPCMA: "PCMA",
}

// Session is the negotiated media state for one call: the chosen codec and
// the far end's RTP address. It lives as long as the call record does.
type Session struct {
	PayloadType int
	CodecName   string
	ClockRate   int
	RemoteAddr  string // host:port of the phone's RTP socket
	LocalPort   int    // our RTP port, set once allocated
}

// Negotiate picks the first payload type in the offer's listed order that
// is in the supported set. The answer will never carry a codec the offer
// did not list.
func Negotiate(offer *SessionDescription) (*Session, error) {
	audio := offer.AudioMedia()
	if audio == nil {
		return nil, fmt.Errorf("offer has no audio media: %w", ErrNoCompatibleCodec)
	}

	remote, err := offer.AudioAddress(audio)
	if err != nil {
		return nil, err
	}

	for _, pt := range audio.Formats {
		name, ok := supportedCodecs[pt]
		if !ok {
			continue
		}
		// Static payload types may appear without an rtpmap; when one is
		// present it must agree with the static assignment.
		if codec := audio.CodecByPayloadType(pt); codec != nil && !strings.EqualFold(codec.Name, name) {
			continue
		}
		return &Session{
			PayloadType: pt,
			CodecName:   name,
			ClockRate:   SampleRate,
			RemoteAddr:  remote.String(),
		}, nil
	}

	return nil, ErrNoCompatibleCodec
}

// BuildAnswer emits the SDP answer for a negotiated session: one audio
// media line carrying exactly the chosen payload type, our reachable
// address, and matching connection and timing fields.
func (s *Session) BuildAnswer(localIP string, sessionID int64) []byte {
	pt := strconv.Itoa(s.PayloadType)
	lines := []string{
		"v=0",
		fmt.Sprintf("o=voxbridge %d %d IN IP4 %s", sessionID, sessionID, localIP),
		"s=voxbridge",
		"c=IN IP4 " + localIP,
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP %s", s.LocalPort, pt),
		fmt.Sprintf("a=rtpmap:%s %s/%d", pt, s.CodecName, s.ClockRate),
		"a=ptime:20",
		"a=sendrecv",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}
