package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway timing. The read deadline is refreshed on every pong, so a
// dead peer is detected within readTimeout.
const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 20 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second

	// frameBacklog is how many platform frames a connection buffers before
	// dropping the oldest. The bridge drains one frame per 20ms tick.
	frameBacklog = 8
)

// gatewayEvent is a control message in either direction. Audio travels
// separately as binary messages: one length-prefixed call ID followed by
// a single PCM frame.
type gatewayEvent struct {
	Op        string `json:"op"`
	Token     string `json:"token,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Answered  bool   `json:"answered,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

const (
	opIdentify   = "identify"
	opReady      = "ready"
	opRing       = "ring"
	opStopRing   = "stop_ring"
	opRingResult = "ring_result"
	opJoin       = "join"
	opJoined     = "joined"
	opLeave      = "leave"
	opError      = "error"
)

type joinReply struct {
	ok     bool
	reason string
}

// Gateway is the Platform implementation backed by the companion bot
// process. It holds one WebSocket session to the bot, redialing with
// backoff when the session drops; while disconnected every channel
// operation fails fast with ErrPlatformUnavailable.
type Gateway struct {
	url    string
	token  string
	logger *slog.Logger

	mu    sync.Mutex
	ws    *websocket.Conn // nil while disconnected
	rings map[string]chan RingResult
	joins map[string]chan joinReply
	conns map[string]*gatewayConn

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGateway starts a gateway client session toward the bot at url. The
// connection is managed in the background; the constructor never blocks
// on the network.
func NewGateway(url, token string, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		url:    url,
		token:  token,
		logger: logger.With("component", "voice_gateway"),
		rings:  make(map[string]chan RingResult),
		joins:  make(map[string]chan joinReply),
		conns:  make(map[string]*gatewayConn),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go g.run(ctx)
	return g
}

// Close tears down the session and stops reconnecting.
func (g *Gateway) Close() error {
	g.cancel()
	<-g.done
	return nil
}

// run dials, serves one session, and redials with doubling backoff until
// the gateway is closed.
func (g *Gateway) run(ctx context.Context) {
	defer close(g.done)

	delay := reconnectMin
	for {
		if err := g.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("gateway session ended", "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// session dials the bot, identifies, and pumps messages until the
// connection fails or ctx is cancelled.
func (g *Gateway) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	if g.token != "" {
		header.Set("Authorization", "Bot "+g.token)
	}

	ws, resp, err := dialer.DialContext(ctx, g.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	if err := g.identify(ws); err != nil {
		ws.Close()
		return err
	}

	g.mu.Lock()
	g.ws = ws
	g.mu.Unlock()
	g.logger.Info("gateway connected", "url", g.url)

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	go g.pingLoop(pingCtx, ws)

	err = g.readLoop(ws)

	stopPing()
	g.disconnected(ws)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// identify sends the auth handshake and waits for the bot's ready event.
func (g *Gateway) identify(ws *websocket.Conn) error {
	payload, err := json.Marshal(gatewayEvent{Op: opIdentify, Token: g.token})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("await ready: %w", err)
	}
	var ev gatewayEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return fmt.Errorf("decode ready: %w", err)
	}
	if ev.Op != opReady {
		return fmt.Errorf("unexpected handshake op %q", ev.Op)
	}
	return nil
}

func (g *Gateway) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ws *websocket.Conn) error {
	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			var ev gatewayEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				g.logger.Warn("bad gateway event", "error", err)
				continue
			}
			g.dispatch(ev)
		case websocket.BinaryMessage:
			g.deliverFrame(msg)
		}
	}
}

// dispatch routes a control event to whoever is waiting on it.
func (g *Gateway) dispatch(ev gatewayEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch ev.Op {
	case opRingResult:
		ch, ok := g.rings[ev.CallID]
		if !ok {
			return
		}
		delete(g.rings, ev.CallID)
		ch <- RingResult{Answered: ev.Answered, Reason: ev.Reason}
		close(ch)
	case opJoined:
		if ch, ok := g.joins[ev.CallID]; ok {
			delete(g.joins, ev.CallID)
			ch <- joinReply{ok: true}
		}
	case opError:
		if ch, ok := g.joins[ev.CallID]; ok {
			delete(g.joins, ev.CallID)
			ch <- joinReply{reason: ev.Reason}
			return
		}
		g.logger.Warn("gateway error event", "call_id", ev.CallID, "reason", ev.Reason)
	default:
		g.logger.Debug("unhandled gateway op", "op", ev.Op)
	}
}

// deliverFrame hands a binary audio message to its call's connection.
// Format: callID length byte, callID, one PCM frame.
func (g *Gateway) deliverFrame(msg []byte) {
	if len(msg) < 2 {
		return
	}
	idLen := int(msg[0])
	if len(msg) < 1+idLen+FrameBytes {
		return
	}
	callID := string(msg[1 : 1+idLen])

	g.mu.Lock()
	conn := g.conns[callID]
	g.mu.Unlock()
	if conn == nil {
		return
	}
	frame := make([]byte, FrameBytes)
	copy(frame, msg[1+idLen:])
	conn.push(frame)
}

// disconnected clears the session and fails everything pending on it.
func (g *Gateway) disconnected(ws *websocket.Conn) {
	ws.Close()

	g.mu.Lock()
	if g.ws != ws {
		g.mu.Unlock()
		return
	}
	g.ws = nil
	rings := g.rings
	joins := g.joins
	conns := g.conns
	g.rings = make(map[string]chan RingResult)
	g.joins = make(map[string]chan joinReply)
	g.conns = make(map[string]*gatewayConn)
	g.mu.Unlock()

	for _, ch := range rings {
		close(ch)
	}
	for _, ch := range joins {
		ch <- joinReply{reason: "gateway disconnected"}
	}
	for _, conn := range conns {
		conn.markDead()
	}
	g.logger.Warn("gateway disconnected",
		"pending_rings", len(rings), "open_conns", len(conns))
}

// send writes one control event on the current session.
func (g *Gateway) send(ev gatewayEvent) error {
	g.mu.Lock()
	ws := g.ws
	g.mu.Unlock()
	if ws == nil {
		return ErrPlatformUnavailable
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("gateway write: %w", err)
	}
	return nil
}

// sendFrame writes one binary audio message for callID.
func (g *Gateway) sendFrame(ws *websocket.Conn, callID string, pcm []byte) error {
	msg := make([]byte, 0, 1+len(callID)+len(pcm))
	msg = append(msg, byte(len(callID)))
	msg = append(msg, callID...)
	msg = append(msg, pcm...)

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, msg)
}

// Ring asks the bot to ring the destination. The result channel carries
// exactly one RingResult, or closes without one if the ring is aborted
// or the session drops.
func (g *Gateway) Ring(ctx context.Context, callID string, dst Destination) (<-chan RingResult, error) {
	if len(callID) > 255 {
		return nil, fmt.Errorf("call id too long for gateway framing")
	}

	ch := make(chan RingResult, 1)
	g.mu.Lock()
	if g.ws == nil {
		g.mu.Unlock()
		return nil, ErrPlatformUnavailable
	}
	g.rings[callID] = ch
	g.mu.Unlock()

	err := g.send(gatewayEvent{
		Op:        opRing,
		CallID:    callID,
		GuildID:   dst.GuildID,
		ChannelID: dst.ChannelID,
	})
	if err != nil {
		g.mu.Lock()
		delete(g.rings, callID)
		g.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// StopRing aborts a pending ring. The result channel closes without a
// value.
func (g *Gateway) StopRing(callID string) {
	g.mu.Lock()
	ch, ok := g.rings[callID]
	if ok {
		delete(g.rings, callID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	close(ch)

	if err := g.send(gatewayEvent{Op: opStopRing, CallID: callID}); err != nil {
		g.logger.Debug("stop_ring not delivered", "call_id", callID, "error", err)
	}
}

// Join opens the voice connection for an answered call.
func (g *Gateway) Join(ctx context.Context, callID string, dst Destination) (Conn, error) {
	ch := make(chan joinReply, 1)
	g.mu.Lock()
	if g.ws == nil {
		g.mu.Unlock()
		return nil, ErrPlatformUnavailable
	}
	g.joins[callID] = ch
	g.mu.Unlock()

	err := g.send(gatewayEvent{
		Op:        opJoin,
		CallID:    callID,
		GuildID:   dst.GuildID,
		ChannelID: dst.ChannelID,
	})
	if err != nil {
		g.mu.Lock()
		delete(g.joins, callID)
		g.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.joins, callID)
		g.mu.Unlock()
		return nil, ctx.Err()
	case reply := <-ch:
		if !reply.ok {
			return nil, fmt.Errorf("gateway join refused: %s", reply.reason)
		}
	}

	conn := &gatewayConn{
		gateway: g,
		callID:  callID,
		frames:  make(chan []byte, frameBacklog),
	}
	g.mu.Lock()
	g.conns[callID] = conn
	g.mu.Unlock()
	return conn, nil
}

// gatewayConn is the per-call audio pipe over the shared session.
type gatewayConn struct {
	gateway *Gateway
	callID  string
	frames  chan []byte

	mu     sync.Mutex
	closed bool
	dead   bool
}

// push queues a platform frame, dropping the oldest when the bridge
// falls behind.
func (c *gatewayConn) push(frame []byte) {
	for {
		select {
		case c.frames <- frame:
			return
		default:
			select {
			case <-c.frames:
			default:
			}
		}
	}
}

func (c *gatewayConn) markDead() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

// WriteFrame pushes phone audio toward the platform.
func (c *gatewayConn) WriteFrame(pcm []byte) error {
	c.mu.Lock()
	if c.closed || c.dead {
		c.mu.Unlock()
		return ErrPlatformUnavailable
	}
	c.mu.Unlock()

	g := c.gateway
	g.mu.Lock()
	ws := g.ws
	g.mu.Unlock()
	if ws == nil {
		return ErrPlatformUnavailable
	}
	return g.sendFrame(ws, c.callID, pcm)
}

// ReadFrame pulls the next platform frame without blocking.
func (c *gatewayConn) ReadFrame() ([]byte, bool) {
	select {
	case frame := <-c.frames:
		return frame, true
	default:
		return nil, false
	}
}

// Close unregisters the call and tells the bot to leave the channel.
func (c *gatewayConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasDead := c.dead
	c.mu.Unlock()

	g := c.gateway
	g.mu.Lock()
	delete(g.conns, c.callID)
	g.mu.Unlock()

	if wasDead {
		return nil
	}
	if err := g.send(gatewayEvent{Op: opLeave, CallID: c.callID}); err != nil {
		g.logger.Debug("leave not delivered", "call_id", c.callID, "error", err)
	}
	return nil
}
