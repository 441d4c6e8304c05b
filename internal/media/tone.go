package media

import (
	"fmt"
	"math"
	"sync"

	"github.com/voxbridge/voxbridge/internal/voice"
)

// Pre-rendered audio assets for playback-only extensions. Assets are
// rendered once at 8 kHz on first use and looped by an AssetConn, so a
// playback call runs through the same bridge path as a channel call.

// toneSpec describes one beat of a rendered pattern.
type toneSpec struct {
	freq      float64
	duration  float64 // seconds of tone within the beat
	amplitude float64
}

// RenderTone renders a sine tone as 16-bit PCM at 8 kHz.
func RenderTone(freq, duration, amplitude float64) []int16 {
	n := int(SampleRate * duration)
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return out
}

// renderPattern lays beats of beatLen seconds into a repeating buffer.
func renderPattern(beats []toneSpec, beatLen float64) []int16 {
	beatSamples := int(SampleRate * beatLen)
	out := make([]int16, 0, beatSamples*len(beats))
	for _, b := range beats {
		tone := RenderTone(b.freq, b.duration, b.amplitude)
		if len(tone) > beatSamples {
			tone = tone[:beatSamples]
		}
		out = append(out, tone...)
		out = append(out, make([]int16, beatSamples-len(tone))...)
	}
	return out
}

var (
	assetMu    sync.Mutex
	assetCache = map[string][]int16{}
)

// assetRenderers maps asset names to their renderers. A 4/4 measure at
// 120 BPM with an accented downbeat, and a North American ringback.
var assetRenderers = map[string]func() []int16{
	"rhythm": func() []int16 {
		return renderPattern([]toneSpec{
			{freq: 440, duration: 0.2, amplitude: 24000},
			{freq: 330, duration: 0.15, amplitude: 16000},
			{freq: 330, duration: 0.15, amplitude: 16000},
			{freq: 330, duration: 0.15, amplitude: 16000},
		}, 0.5)
	},
	"ringback": func() []int16 {
		ring := RenderTone(440, 2.0, 12000)
		silence := make([]int16, SampleRate*4)
		return append(ring, silence...)
	},
}

// LoadAsset returns the looped 8 kHz PCM buffer for a named asset.
func LoadAsset(name string) ([]int16, error) {
	assetMu.Lock()
	defer assetMu.Unlock()
	if buf, ok := assetCache[name]; ok {
		return buf, nil
	}
	render, ok := assetRenderers[name]
	if !ok {
		return nil, fmt.Errorf("unknown audio asset %q", name)
	}
	buf := render()
	assetCache[name] = buf
	return buf, nil
}

// AssetNames lists the available asset names.
func AssetNames() []string {
	names := make([]string, 0, len(assetRenderers))
	for name := range assetRenderers {
		names = append(names, name)
	}
	return names
}

// AssetConn is a voice.Conn over a looping pre-rendered buffer. Frames
// read from it come from the asset; frames written to it (caller audio)
// are discarded. It lets playback-only extensions share the bridge.
type AssetConn struct {
	mu     sync.Mutex
	buf    []int16 // 8 kHz source
	offset int
	closed bool
}

// NewAssetConn creates a connection over the named asset.
func NewAssetConn(name string) (*AssetConn, error) {
	buf, err := LoadAsset(name)
	if err != nil {
		return nil, err
	}
	if len(buf) < SamplesPerFrame {
		return nil, fmt.Errorf("asset %q shorter than one frame", name)
	}
	return &AssetConn{buf: buf}, nil
}

// WriteFrame discards inbound caller audio.
func (c *AssetConn) WriteFrame([]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("asset connection closed")
	}
	return nil
}

// ReadFrame returns the next 20ms platform-format frame, looping the
// buffer forever.
func (c *AssetConn) ReadFrame() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	if c.offset+SamplesPerFrame > len(c.buf) {
		c.offset = 0
	}
	chunk := c.buf[c.offset : c.offset+SamplesPerFrame]
	c.offset += SamplesPerFrame
	return pcmToBytes(Upsample8to48(chunk)), true
}

// Close stops the loop.
func (c *AssetConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ voice.Conn = (*AssetConn)(nil)
