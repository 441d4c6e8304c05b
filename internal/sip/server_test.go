package sip

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/sipmsg"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/store/models"
	"github.com/voxbridge/voxbridge/internal/voice"
)

// fakeConn is a voice.Conn that swallows audio.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) WriteFrame([]byte) error { return nil }

func (c *fakeConn) ReadFrame() ([]byte, bool) { return nil, false }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakePlatform scripts ring outcomes for the call manager.
type fakePlatform struct {
	answer  bool
	reason  string
	hold    bool // never deliver a ring result
	ringErr error

	mu    sync.Mutex
	rings int
	stops []string
	conn  *fakeConn
}

func (p *fakePlatform) Ring(ctx context.Context, callID string, dst voice.Destination) (<-chan voice.RingResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rings++
	if p.ringErr != nil {
		return nil, p.ringErr
	}
	ch := make(chan voice.RingResult, 1)
	if !p.hold {
		ch <- voice.RingResult{Answered: p.answer, Reason: p.reason}
	}
	return ch, nil
}

func (p *fakePlatform) StopRing(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, callID)
}

func (p *fakePlatform) Join(ctx context.Context, callID string, dst voice.Destination) (voice.Conn, error) {
	conn := &fakeConn{}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *fakePlatform) stopped() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stops...)
}

// env is one running server plus a UDP client socket talking to it.
type env struct {
	srv    *Server
	db     *store.DB
	client *net.UDPConn
}

func newEnv(t *testing.T, platform voice.Platform, mutate func(cfg *config.Config)) *env {
	t.Helper()

	db, err := store.Open(store.DriverSQLite, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	routes := store.NewRouteRepository(db)
	seed := []*models.Route{
		{Extension: "100", Kind: models.RouteChannel, GuildID: "g1", ChannelID: "c1", Label: "lounge"},
		{Extension: "200", Kind: models.RouteAsset, AssetName: "rhythm", Label: "music"},
	}
	for _, rt := range seed {
		if err := routes.Create(ctx, rt); err != nil {
			t.Fatalf("seed route %s: %v", rt.Extension, err)
		}
	}

	pool, err := media.NewPortPool(43000, 43063, testLogger())
	if err != nil {
		t.Fatalf("port pool: %v", err)
	}

	cfg := &config.Config{
		SIPPort:        0, // kernel-assigned
		MediaIP:        "127.0.0.1",
		RingTimeoutSec: 1,
		IdleTimeoutSec: 0,
		CallRate:       100,
		CallBurst:      100,
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewServer(cfg, db, platform, pool, DefaultTimers(), testLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Stop)

	client, err := net.DialUDP("udp", nil, srv.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return &env{srv: srv, db: db, client: client}
}

func (e *env) send(t *testing.T, raw string) {
	t.Helper()
	if _, err := e.client.Write([]byte(raw)); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (e *env) recv(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, maxDatagram)
	e.client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := e.client.Read(buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return buf[:n]
}

// expect reads datagrams until a response for cseqMethod with the given
// status arrives, skipping provisionals and retransmissions of other
// exchanges.
func (e *env) expect(t *testing.T, status int, cseqMethod string) *sipmsg.Response {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := sipmsg.Parse(e.recv(t))
		if err != nil {
			continue
		}
		resp := msg.Response
		if resp == nil {
			continue
		}
		if !strings.HasSuffix(resp.Headers.Get("CSeq"), " "+cseqMethod) {
			continue
		}
		if resp.StatusCode != status {
			if resp.StatusCode < 200 {
				continue // provisional on the way to the final
			}
			t.Fatalf("got %d for %s, want %d", resp.StatusCode, cseqMethod, status)
		}
		return resp
	}
	t.Fatalf("no %d for %s", status, cseqMethod)
	return nil
}

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n"

func rawInvite(callID, branch, ext, sdp string) string {
	return fmt.Sprintf("INVITE sip:%s@voxbridge.example SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:5060;rport;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Phone\" <sip:phone@example.net>;tag=ft-%s\r\n"+
		"To: <sip:%s@voxbridge.example>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Contact: <sip:phone@127.0.0.1:5060>\r\n"+
		"Content-Type: application/sdp\r\n"+
		"Content-Length: %d\r\n\r\n%s",
		ext, branch, callID, ext, callID, len(sdp), sdp)
}

func rawACK(callID, branch, ext, toTag string) string {
	return fmt.Sprintf("ACK sip:%s@voxbridge.example SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:5060;rport;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Phone\" <sip:phone@example.net>;tag=ft-%s\r\n"+
		"To: <sip:%s@voxbridge.example>;tag=%s\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 ACK\r\n"+
		"Content-Length: 0\r\n\r\n",
		ext, branch, callID, ext, toTag, callID)
}

func rawBye(callID, branch, ext, fromTag, toTag string) string {
	return fmt.Sprintf("BYE sip:%s@voxbridge.example SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:5060;rport;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Phone\" <sip:phone@example.net>;tag=%s\r\n"+
		"To: <sip:%s@voxbridge.example>;tag=%s\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 2 BYE\r\n"+
		"Content-Length: 0\r\n\r\n",
		ext, branch, fromTag, ext, toTag, callID)
}

func rawCancel(callID, branch, ext string) string {
	return fmt.Sprintf("CANCEL sip:%s@voxbridge.example SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:5060;rport;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: \"Phone\" <sip:phone@example.net>;tag=ft-%s\r\n"+
		"To: <sip:%s@voxbridge.example>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 CANCEL\r\n"+
		"Content-Length: 0\r\n\r\n",
		ext, branch, callID, ext, callID)
}

func responseToTag(t *testing.T, resp *sipmsg.Response) string {
	t.Helper()
	to := resp.Headers.Get("To")
	idx := strings.Index(to, ";tag=")
	if idx < 0 {
		t.Fatalf("response To %q carries no tag", to)
	}
	return to[idx+5:]
}

func waitStatus(t *testing.T, db *store.DB, callID string, want models.CallStatus) *models.Call {
	t.Helper()
	calls := store.NewCallRepository(db)
	deadline := time.Now().Add(3 * time.Second)
	var last *models.Call
	for time.Now().Before(deadline) {
		c, err := calls.GetBySIPCallID(context.Background(), callID)
		if err == nil {
			last = c
			if c.Status == want {
				return c
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last == nil {
		t.Fatalf("no call record for %s", callID)
	}
	t.Fatalf("call %s status = %s, want %s", callID, last.Status, want)
	return nil
}

func TestKeepalive(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	e.send(t, "\r\n\r\n")
	if got := string(e.recv(t)); got != "\r\n" {
		t.Errorf("keepalive reply = %q, want single CRLF", got)
	}
}

func TestOptions(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	e.send(t, "OPTIONS sip:voxbridge.example SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:5060;rport;branch=z9hG4bKopt\r\n"+
		"From: <sip:phone@example.net>;tag=ft-opt\r\n"+
		"To: <sip:voxbridge.example>\r\n"+
		"Call-ID: options-1\r\n"+
		"CSeq: 1 OPTIONS\r\n"+
		"Content-Length: 0\r\n\r\n")
	resp := e.expect(t, 200, "OPTIONS")
	if allow := resp.Headers.Get("Allow"); !strings.Contains(allow, "INVITE") {
		t.Errorf("Allow = %q, want it to list INVITE", allow)
	}
}

func TestUnknownMethodRefused(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	e.send(t, "SUBSCRIBE sip:voxbridge.example SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:5060;rport;branch=z9hG4bKsub\r\n"+
		"From: <sip:phone@example.net>;tag=ft-sub\r\n"+
		"To: <sip:voxbridge.example>\r\n"+
		"Call-ID: subscribe-1\r\n"+
		"CSeq: 1 SUBSCRIBE\r\n"+
		"Content-Length: 0\r\n\r\n")
	resp := e.expect(t, 405, "SUBSCRIBE")
	if resp.Headers.Get("Allow") == "" {
		t.Error("405 carries no Allow header")
	}
}

func TestRequireRefused(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	invite := rawInvite("require-1", "z9hG4bKreq", "200", testSDP)
	invite = strings.Replace(invite, "Max-Forwards: 70\r\n", "Max-Forwards: 70\r\nRequire: 100rel\r\n", 1)
	e.send(t, invite)
	resp := e.expect(t, 420, "INVITE")
	if got := resp.Headers.Get("Unsupported"); got != "100rel" {
		t.Errorf("Unsupported = %q, want 100rel", got)
	}
}

func TestInviteUnknownExtension(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	e.send(t, rawInvite("noroute-1", "z9hG4bKnr", "999", testSDP))
	e.expect(t, 404, "INVITE")
}

func TestInviteNoCompatibleCodec(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	sdp := "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 40000 RTP/AVP 96\r\n" +
		"a=rtpmap:96 opus/48000\r\n"
	e.send(t, rawInvite("badcodec-1", "z9hG4bKbc", "200", sdp))
	e.expect(t, 488, "INVITE")
}

func TestAssetCallLifecycle(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	callID := "asset-call-1"

	e.send(t, rawInvite(callID, "z9hG4bKasset", "200", testSDP))
	ok := e.expect(t, 200, "INVITE")

	toTag := responseToTag(t, ok)
	answer := string(ok.Body)
	if !strings.Contains(answer, "m=audio") || !strings.Contains(answer, "PCMU/8000") {
		t.Errorf("2xx SDP answer = %q, want audio line with PCMU", answer)
	}

	// ACK for a 2xx starts its own transaction with a fresh branch.
	e.send(t, rawACK(callID, "z9hG4bKasset-ack", "200", toTag))

	rec := waitStatus(t, e.db, callID, models.StatusActive)
	if rec.AnsweredAt == nil {
		t.Error("active call has no answered_at")
	}
	if rec.Codec != "PCMU" {
		t.Errorf("recorded codec = %q, want PCMU", rec.Codec)
	}
	if got := e.srv.Calls().ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}

	e.send(t, rawBye(callID, "z9hG4bKasset-bye", "200", "ft-"+callID, toTag))
	e.expect(t, 200, "BYE")

	rec = waitStatus(t, e.db, callID, models.StatusEnded)
	if rec.Reason != "caller hung up" {
		t.Errorf("reason = %q, want %q", rec.Reason, "caller hung up")
	}
	if rec.EndedAt == nil {
		t.Error("ended call has no ended_at")
	}
	if got := e.srv.Calls().ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after BYE = %d, want 0", got)
	}
}

func TestChannelCallAnswered(t *testing.T) {
	platform := &fakePlatform{answer: true}
	e := newEnv(t, platform, nil)
	callID := "chan-call-1"

	e.send(t, rawInvite(callID, "z9hG4bKchan", "100", testSDP))
	ok := e.expect(t, 200, "INVITE")
	toTag := responseToTag(t, ok)

	e.send(t, rawACK(callID, "z9hG4bKchan-ack", "100", toTag))
	rec := waitStatus(t, e.db, callID, models.StatusActive)
	if rec.ChannelID != "c1" {
		t.Errorf("recorded channel = %q, want c1", rec.ChannelID)
	}

	e.send(t, rawBye(callID, "z9hG4bKchan-bye", "100", "ft-"+callID, toTag))
	e.expect(t, 200, "BYE")
	waitStatus(t, e.db, callID, models.StatusEnded)

	platform.mu.Lock()
	conn := platform.conn
	platform.mu.Unlock()
	if conn == nil || !conn.isClosed() {
		t.Error("platform connection not closed after BYE")
	}
}

func TestChannelCallRefused(t *testing.T) {
	e := newEnv(t, &fakePlatform{answer: false, reason: "rejected"}, nil)
	callID := "refused-1"

	e.send(t, rawInvite(callID, "z9hG4bKref", "100", testSDP))
	resp := e.expect(t, 480, "INVITE")
	e.send(t, rawACK(callID, "z9hG4bKref", "100", responseToTag(t, resp)))

	rec := waitStatus(t, e.db, callID, models.StatusFailed)
	if rec.Reason != "rejected" {
		t.Errorf("reason = %q, want rejected", rec.Reason)
	}
}

func TestChannelCallPlatformDown(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	callID := "down-1"

	e.send(t, rawInvite(callID, "z9hG4bKdown", "100", testSDP))
	resp := e.expect(t, 480, "INVITE")
	e.send(t, rawACK(callID, "z9hG4bKdown", "100", responseToTag(t, resp)))
	waitStatus(t, e.db, callID, models.StatusFailed)
}

func TestRingTimeout(t *testing.T) {
	platform := &fakePlatform{hold: true}
	e := newEnv(t, platform, nil)
	callID := "timeout-1"

	e.send(t, rawInvite(callID, "z9hG4bKto", "100", testSDP))
	resp := e.expect(t, 480, "INVITE")
	e.send(t, rawACK(callID, "z9hG4bKto", "100", responseToTag(t, resp)))

	rec := waitStatus(t, e.db, callID, models.StatusFailed)
	if rec.Reason != "ring timeout" {
		t.Errorf("reason = %q, want ring timeout", rec.Reason)
	}
	if stops := platform.stopped(); len(stops) != 1 || stops[0] != callID {
		t.Errorf("StopRing calls = %v, want [%s]", stops, callID)
	}
}

func TestCancelBeforeAnswer(t *testing.T) {
	platform := &fakePlatform{hold: true}
	e := newEnv(t, platform, nil)
	callID := "cancel-1"

	e.send(t, rawInvite(callID, "z9hG4bKcan", "100", testSDP))
	// Let the 180 go out before cancelling.
	e.expectProvisional(t, 180)

	e.send(t, rawCancel(callID, "z9hG4bKcan", "100"))
	e.expect(t, 200, "CANCEL")
	resp := e.expect(t, 487, "INVITE")
	e.send(t, rawACK(callID, "z9hG4bKcan", "100", responseToTag(t, resp)))

	rec := waitStatus(t, e.db, callID, models.StatusCancelled)
	if rec.Reason != "cancelled by caller" {
		t.Errorf("reason = %q, want cancelled by caller", rec.Reason)
	}
}

func TestCancelUnknownBranch(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	e.send(t, rawCancel("nocall-1", "z9hG4bKnone", "100"))
	e.expect(t, 481, "CANCEL")
}

func TestInviteTryingFirst(t *testing.T) {
	platform := &fakePlatform{hold: true}
	e := newEnv(t, platform, nil)

	e.send(t, rawInvite("try-1", "z9hG4bKtry", "100", testSDP))

	msg, err := sipmsg.Parse(e.recv(t))
	if err != nil || msg.Response == nil {
		t.Fatalf("first datagram is not a response: %v", err)
	}
	if msg.Response.StatusCode != 100 {
		t.Fatalf("first response = %d, want 100 Trying", msg.Response.StatusCode)
	}
	e.expectProvisional(t, 180)
}

func TestByeDuringRinging(t *testing.T) {
	platform := &fakePlatform{hold: true}
	e := newEnv(t, platform, nil)
	callID := "earlybye-1"

	e.send(t, rawInvite(callID, "z9hG4bKeb", "100", testSDP))
	ringing := e.expectProvisional(t, 180)
	toTag := responseToTag(t, ringing)

	// Some phones send BYE instead of CANCEL before the answer. The open
	// INVITE transaction still needs its 487.
	e.send(t, rawBye(callID, "z9hG4bKeb-bye", "100", "ft-"+callID, toTag))
	e.expect(t, 487, "INVITE")
	e.expect(t, 200, "BYE")
	e.send(t, rawACK(callID, "z9hG4bKeb", "100", toTag))

	rec := waitStatus(t, e.db, callID, models.StatusCancelled)
	if rec.Reason != "caller hung up" {
		t.Errorf("reason = %q, want caller hung up", rec.Reason)
	}
	if got := e.srv.Calls().ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after early bye = %d, want 0", got)
	}
	if got := platform.stopped(); len(got) != 1 || got[0] != callID {
		t.Errorf("stopped rings = %v, want [%s]", got, callID)
	}
}

func TestByeWrongDialog(t *testing.T) {
	e := newEnv(t, voice.Disconnected{}, nil)
	callID := "wrongdialog-1"

	e.send(t, rawInvite(callID, "z9hG4bKwd", "200", testSDP))
	ok := e.expect(t, 200, "INVITE")
	toTag := responseToTag(t, ok)
	e.send(t, rawACK(callID, "z9hG4bKwd-ack", "200", toTag))
	waitStatus(t, e.db, callID, models.StatusActive)

	e.send(t, rawBye(callID, "z9hG4bKwd-bye", "200", "ft-"+callID, "bogus-tag"))
	e.expect(t, 481, "BYE")
	if got := e.srv.Calls().ActiveCount(); got != 1 {
		t.Errorf("ActiveCount after mismatched BYE = %d, want 1", got)
	}
}

func TestDuplicateCallerBusy(t *testing.T) {
	platform := &fakePlatform{hold: true}
	e := newEnv(t, platform, nil)

	e.send(t, rawInvite("dup-1", "z9hG4bKdupa", "100", testSDP))
	e.expectProvisional(t, 180)

	// Same source address, second channel call while the first rings.
	e.send(t, rawInvite("dup-2", "z9hG4bKdupb", "100", testSDP))
	resp := e.expect(t, 486, "INVITE")
	e.send(t, rawACK("dup-2", "z9hG4bKdupb", "100", responseToTag(t, resp)))
}

func TestInviteRateLimited(t *testing.T) {
	platform := &fakePlatform{hold: true}
	e := newEnv(t, platform, func(cfg *config.Config) {
		cfg.CallRate = 0.001
		cfg.CallBurst = 1
	})

	e.send(t, rawInvite("rate-1", "z9hG4bKrla", "100", testSDP))
	e.expectProvisional(t, 180)

	e.send(t, rawInvite("rate-2", "z9hG4bKrlb", "100", testSDP))
	resp := e.expect(t, 503, "INVITE")
	e.send(t, rawACK("rate-2", "z9hG4bKrlb", "100", responseToTag(t, resp)))
}

// expectProvisional reads until a provisional of the given status arrives.
func (e *env) expectProvisional(t *testing.T, status int) *sipmsg.Response {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := sipmsg.Parse(e.recv(t))
		if err != nil || msg.Response == nil {
			continue
		}
		if msg.Response.StatusCode == status {
			return msg.Response
		}
	}
	t.Fatalf("no %d received", status)
	return nil
}

func TestURIHelpers(t *testing.T) {
	if got := uriUser("sip:2001@pbx.example"); got != "2001" {
		t.Errorf("uriUser = %q, want 2001", got)
	}
	if got := uriUser("sips:alice@example.net:5061"); got != "alice" {
		t.Errorf("uriUser sips = %q, want alice", got)
	}
	if got := uriUser("sip:pbx.example"); got != "" {
		t.Errorf("uriUser without user = %q, want empty", got)
	}

	if got := uriFromHeader("\"Alice\" <sip:alice@example.net>;tag=abc"); got != "sip:alice@example.net" {
		t.Errorf("uriFromHeader = %q", got)
	}
	if got := uriFromHeader("sip:bob@example.net;tag=xyz"); got != "sip:bob@example.net" {
		t.Errorf("uriFromHeader bare = %q", got)
	}

	if got := stripTag("<sip:100@pbx>;tag=abc"); got != "<sip:100@pbx>" {
		t.Errorf("stripTag = %q", got)
	}
	if got := stripTag("<sip:100@pbx>;tag=abc;x=1"); got != "<sip:100@pbx>;x=1" {
		t.Errorf("stripTag with trailing params = %q", got)
	}
	if got := stripTag("<sip:100@pbx>"); got != "<sip:100@pbx>" {
		t.Errorf("stripTag without tag = %q", got)
	}
}

func TestResponseAddr(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 40123}

	// rport requested: reply to the actual source.
	req := makeRequest(t, "OPTIONS", "z9hG4bKra1")
	if got := responseAddr(req, src, true); got.Port != 40123 {
		t.Errorf("rport response port = %d, want 40123", got.Port)
	}

	// No rport: the Via sent-by port wins.
	if got := responseAddr(req, src, false); got.Port != 5060 {
		t.Errorf("sent-by response port = %d, want 5060", got.Port)
	}
}

func TestIsKeepalive(t *testing.T) {
	if !isKeepalive([]byte("\r\n\r\n")) {
		t.Error("double CRLF not recognized as keepalive")
	}
	if !isKeepalive([]byte("\r\n")) {
		t.Error("single CRLF not recognized as keepalive")
	}
	if isKeepalive([]byte("INVITE")) {
		t.Error("request start treated as keepalive")
	}
	if isKeepalive(nil) {
		t.Error("empty datagram treated as keepalive")
	}
}
