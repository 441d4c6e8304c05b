package models

import "time"

// CallStatus is the lifecycle state of a call record.
type CallStatus string

const (
	// StatusRinging means the INVITE was accepted and the channel is
	// being rung.
	StatusRinging CallStatus = "ringing"
	// StatusActive means audio is bridged.
	StatusActive CallStatus = "active"
	// StatusEnded means the call completed normally after being active.
	StatusEnded CallStatus = "ended"
	// StatusCancelled means the caller gave up before answer.
	StatusCancelled CallStatus = "cancelled"
	// StatusFailed means the call ended abnormally: rejected, timed out,
	// or torn down by an error.
	StatusFailed CallStatus = "failed"
)

// Live reports whether the status counts against the one-active-call-per
// -caller constraint.
func (s CallStatus) Live() bool {
	return s == StatusRinging || s == StatusActive
}

// Call is the persistent record of one inbound call.
type Call struct {
	ID         int64
	SIPCallID  string // SIP Call-ID header value
	CallerAddr string // signaling source host:port
	CallerURI  string // From URI
	Extension  string // dialed extension
	GuildID    string
	ChannelID  string // empty for playback-only calls
	Codec      string // negotiated codec name
	Status     CallStatus
	Reason     string // terminal detail: "caller hung up", "ring timeout", ...
	CreatedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

// RouteKind distinguishes what answers a dialed extension.
type RouteKind string

const (
	// RouteChannel rings a voice channel and bridges on answer.
	RouteChannel RouteKind = "channel"
	// RouteAsset answers immediately and plays a looped audio asset.
	RouteAsset RouteKind = "asset"
)

// Route maps a dialed extension to its destination.
type Route struct {
	ID        int64
	Extension string
	Kind      RouteKind
	GuildID   string // channel routes only
	ChannelID string // channel routes only
	AssetName string // asset routes only
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
