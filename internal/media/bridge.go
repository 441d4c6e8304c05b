package media

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/voxbridge/voxbridge/internal/voice"
)

const (
	// maxRTPPacket bounds the UDP read buffer. G.711 at 20ms is 172 bytes
	// on the wire, but the socket may receive anything.
	maxRTPPacket = 1500

	// reorderWindow is how many sequence numbers late a packet may arrive
	// and still be delivered in order. Anything later counts as loss.
	reorderWindow = 4

	// frameInterval is the fixed packetization interval for the
	// negotiated narrow-band codecs.
	frameInterval = 20 * time.Millisecond
)

// atomicAddr stores the learned remote RTP address. The far end's real
// source (post-NAT) may differ from the SDP-signaled address, so the first
// valid inbound packet updates it (symmetric RTP).
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func (a *atomicAddr) load() *net.UDPAddr { return a.v.Load() }

func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// BridgeStats are cumulative counters for one bridge.
type BridgeStats struct {
	PacketsIn      uint64 // RTP packets accepted from the phone
	PacketsOut     uint64 // RTP packets sent to the phone
	PacketsDropped uint64 // late, malformed, or wrong payload type
}

// Bridge relays audio between one call's RTP socket and its voice-platform
// connection. It runs independently of the transaction and call layers;
// the only shared state is Close and the identifying call ID.
type Bridge struct {
	callID  string
	session *Session
	sock    *Socket
	conn    voice.Conn
	remote  *atomicAddr
	logger  *slog.Logger

	// Outbound RTP stamping state, touched only by the send loop.
	ssrc uint32
	seq  uint16
	ts   uint32

	packetsIn      atomic.Uint64
	packetsOut     atomic.Uint64
	packetsDropped atomic.Uint64
	lastActivity   atomic.Int64 // unix nanos of last audio in either direction

	idleTimeout time.Duration
	onIdle      func()

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBridge creates a bridge for a negotiated session. sock is the
// allocated local RTP socket; conn is the open voice connection (a
// platform channel or an asset loop). onIdle fires once if no audio moves
// in either direction for idleTimeout (zero disables idle detection).
func NewBridge(callID string, session *Session, sock *Socket, conn voice.Conn, idleTimeout time.Duration, onIdle func(), logger *slog.Logger) (*Bridge, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp", session.RemoteAddr)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		callID:      callID,
		session:     session,
		sock:        sock,
		conn:        conn,
		remote:      &atomicAddr{},
		logger:      logger.With("subsystem", "bridge", "call_id", callID),
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.Uint32()),
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		done:        make(chan struct{}),
	}
	b.remote.update(remoteAddr)
	b.lastActivity.Store(time.Now().UnixNano())
	return b, nil
}

// Start launches the receive, send, and idle-watch loops.
func (b *Bridge) Start() {
	b.wg.Add(2)
	go b.receiveLoop()
	go b.sendLoop()
	if b.idleTimeout > 0 && b.onIdle != nil {
		b.wg.Add(1)
		go b.idleLoop()
	}
	b.logger.Info("bridge started",
		"codec", b.session.CodecName,
		"local_port", b.sock.Port,
		"remote", b.session.RemoteAddr,
	)
}

// Close stops the bridge and releases the voice connection. Safe to call
// from any goroutine, any number of times.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.sock.RTPConn.SetReadDeadline(time.Now())
		b.conn.Close()
		b.logger.Info("bridge closed",
			"packets_in", b.packetsIn.Load(),
			"packets_out", b.packetsOut.Load(),
			"packets_dropped", b.packetsDropped.Load(),
		)
	})
}

// Wait blocks until all bridge goroutines have exited.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		PacketsIn:      b.packetsIn.Load(),
		PacketsOut:     b.packetsOut.Load(),
		PacketsDropped: b.packetsDropped.Load(),
	}
}

// receiveLoop reads phone RTP, reorders within the window, transcodes, and
// forwards platform frames.
func (b *Bridge) receiveLoop() {
	defer b.wg.Done()

	buf := make([]byte, maxRTPPacket)
	reorder := newReorderBuffer(reorderWindow)
	var pkt rtp.Packet

	for {
		n, src, err := b.sock.RTPConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Deadline or transient error; deadlines only arrive at close.
			continue
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			b.packetsDropped.Add(1)
			continue
		}
		if int(pkt.PayloadType) != b.session.PayloadType {
			b.packetsDropped.Add(1)
			continue
		}

		if b.remote.update(src) {
			b.logger.Debug("remote rtp address learned", "addr", src.String())
		}

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		ready, dropped := reorder.push(pkt.SequenceNumber, payload)
		b.packetsDropped.Add(dropped)

		for _, p := range ready {
			samples, err := DecodePayload(p, b.session.PayloadType)
			if err != nil {
				// Transient payload corruption never terminates the call.
				b.packetsDropped.Add(1)
				continue
			}
			b.packetsIn.Add(1)
			b.lastActivity.Store(time.Now().UnixNano())
			if err := b.conn.WriteFrame(pcmToBytes(Upsample8to48(samples))); err != nil {
				b.logger.Debug("platform frame write failed", "error", err)
			}
		}
	}
}

// sendLoop paces outbound packets at the codec's fixed 20ms interval.
// Timestamps advance by the per-frame sample count regardless of wall
// clock; sequence numbers are monotonic for the call.
func (b *Bridge) sendLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}

		frame, ok := b.conn.ReadFrame()
		if !ok {
			continue
		}
		samples := Downsample48to8(bytesToPCM(frame))
		if len(samples) == 0 {
			continue
		}
		payload, err := EncodePayload(samples, b.session.PayloadType)
		if err != nil {
			continue
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    uint8(b.session.PayloadType),
				SequenceNumber: b.seq,
				Timestamp:      b.ts,
				SSRC:           b.ssrc,
			},
			Payload: payload,
		}
		b.seq++
		b.ts += SamplesPerFrame

		wire, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := b.sock.RTPConn.WriteToUDP(wire, b.remote.load()); err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			b.logger.Debug("rtp send failed", "error", err)
			continue
		}
		b.packetsOut.Add(1)
		b.lastActivity.Store(time.Now().UnixNano())
	}
}

// idleLoop fires onIdle once when no audio has moved for idleTimeout.
func (b *Bridge) idleLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, b.lastActivity.Load()))
			if idle >= b.idleTimeout {
				b.logger.Info("bridge idle, signaling teardown", "idle", idle.Truncate(time.Second))
				b.onIdle()
				return
			}
		}
	}
}

// reorderBuffer delivers RTP payloads in sequence order, tolerating
// reordering within its window. Packets arriving more than the window
// behind the newest delivered sequence are dropped as loss; gaps that
// never fill are skipped once the window slides past them.
type reorderBuffer struct {
	window  int
	started bool
	next    uint16 // next sequence number to deliver
	pending map[uint16][]byte
}

func newReorderBuffer(window int) *reorderBuffer {
	return &reorderBuffer{
		window:  window,
		pending: make(map[uint16][]byte),
	}
}

// push adds a packet and returns payloads now deliverable in order, plus
// the count of packets dropped (too late, duplicate, or skipped gaps).
func (r *reorderBuffer) push(seq uint16, payload []byte) (ready [][]byte, dropped uint64) {
	if !r.started {
		r.started = true
		r.next = seq
	}

	// Signed distance handles wraparound.
	dist := int16(seq - r.next)
	switch {
	case dist < 0:
		// Already delivered or beyond the tolerated lateness.
		return nil, 1
	case dist == 0:
		ready = append(ready, payload)
		r.next++
	case int(dist) <= r.window:
		if _, dup := r.pending[seq]; dup {
			return nil, 1
		}
		r.pending[seq] = payload
	default:
		// Far ahead: the gap will not fill. Count the skipped sequence
		// numbers as loss and restart delivery from here.
		for s := r.next; s != seq; s++ {
			if p, ok := r.pending[s]; ok {
				ready = append(ready, p)
				delete(r.pending, s)
			} else {
				dropped++
			}
		}
		ready = append(ready, payload)
		r.next = seq + 1
	}

	// Drain any consecutive buffered packets.
	for {
		p, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		ready = append(ready, p)
		r.next++
	}
	return ready, dropped
}
