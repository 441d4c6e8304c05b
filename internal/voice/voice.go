// Package voice defines the contract between the call core and the chat
// platform's voice client. The core never talks to the platform directly;
// it rings a destination, waits for a single answer/reject signal, and on
// answer exchanges fixed-size PCM frames over a Conn. How an "answer"
// happens (a human joining the channel, a bot auto-accepting) is entirely
// the implementation's decision.
package voice

import (
	"context"
	"errors"
)

// Frame format exchanged over a Conn: 20ms of mono 16-bit little-endian
// PCM at 48 kHz.
const (
	SampleRate   = 48000
	FrameSamples = 960 // 20ms at 48 kHz
	FrameBytes   = FrameSamples * 2
)

// ErrPlatformUnavailable indicates no voice client is attached or it has
// lost its session; calls routed to channel destinations cannot proceed.
var ErrPlatformUnavailable = errors.New("voice platform unavailable")

// Destination identifies a voice channel on the platform.
type Destination struct {
	GuildID   string
	ChannelID string
}

// RingResult is the single signal delivered for one ring attempt.
type RingResult struct {
	Answered bool
	// Reason is set when Answered is false ("rejected", "unavailable", ...).
	Reason string
}

// Conn is an open voice connection to a channel. WriteFrame pushes phone
// audio toward the platform; ReadFrame pulls platform audio for the phone,
// reporting ok=false when no frame is ready (the bridge paces itself and
// simply skips). Close is idempotent.
type Conn interface {
	WriteFrame(pcm []byte) error
	ReadFrame() (pcm []byte, ok bool)
	Close() error
}

// Platform is the voice-platform client the orchestrator drives.
//
// Ring starts ringing the destination and returns a channel on which
// exactly one RingResult is delivered (or which is closed if the platform
// gives up). StopRing aborts a pending ring, after which the result
// channel may close without a value.
type Platform interface {
	Ring(ctx context.Context, callID string, dst Destination) (<-chan RingResult, error)
	StopRing(callID string)
	Join(ctx context.Context, callID string, dst Destination) (Conn, error)
}

// Disconnected is the Platform used when no voice client is attached.
// Channel-routed calls fail fast; asset-routed calls never touch the
// platform and keep working.
type Disconnected struct{}

func (Disconnected) Ring(context.Context, string, Destination) (<-chan RingResult, error) {
	return nil, ErrPlatformUnavailable
}

func (Disconnected) StopRing(string) {}

func (Disconnected) Join(context.Context, string, Destination) (Conn, error) {
	return nil, ErrPlatformUnavailable
}
