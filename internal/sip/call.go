package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/sipmsg"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/store/models"
	"github.com/voxbridge/voxbridge/internal/voice"
)

// routeLookupAttempts bounds retries of the route query on transient
// storage errors before the call is refused.
const routeLookupAttempts = 3

// Call is the in-memory state of one dialog. Its status mirrors the store
// record but only advances after the corresponding write succeeds.
type Call struct {
	recordID  int64
	sipCallID string
	localTag  string
	remoteTag string
	extension string
	source    *net.UDPAddr // signaling address for in-dialog requests we send

	invite   *sipmsg.Request
	inviteTx *ServerTransaction
	session  *media.Session
	route    *models.Route

	mu       sync.Mutex
	status   models.CallStatus
	conn     voice.Conn
	bridge   *media.Bridge
	sock     *media.Socket
	stopRing context.CancelFunc
	byeCSeq  int
}

// setStatus advances the call if it is currently in one of the expected
// states. Exactly one teardown path wins any race.
func (c *Call) setStatus(to models.CallStatus, from ...models.CallStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range from {
		if c.status == f {
			c.status = to
			return true
		}
	}
	return false
}

func (c *Call) currentStatus() models.CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CallManagerConfig carries the dependencies of the call manager.
type CallManagerConfig struct {
	Calls       store.CallRepository
	Routes      store.RouteRepository
	Platform    voice.Platform
	Ports       *media.PortPool
	MediaIP     string
	SIPPort     int
	RingTimeout time.Duration
	IdleTimeout time.Duration
	Send        func(data []byte, addr *net.UDPAddr)
}

// CallManager is the transaction user: it turns INVITE transactions into
// calls, rings the voice platform, and owns call teardown. One call is
// independent of every other; the manager only tracks the dialog map.
type CallManager struct {
	cfg    CallManagerConfig
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*Call // keyed by SIP Call-ID
}

// NewCallManager creates the call manager.
func NewCallManager(cfg CallManagerConfig, logger *slog.Logger) *CallManager {
	return &CallManager{
		cfg:    cfg,
		logger: logger.With("subsystem", "calls"),
		calls:  make(map[string]*Call),
	}
}

// ActiveCount returns the number of live calls.
func (cm *CallManager) ActiveCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.calls)
}

// BridgeStats sums packet counters over all live bridges.
func (cm *CallManager) BridgeStats() media.BridgeStats {
	cm.mu.Lock()
	calls := make([]*Call, 0, len(cm.calls))
	for _, c := range cm.calls {
		calls = append(calls, c)
	}
	cm.mu.Unlock()

	var total media.BridgeStats
	for _, c := range calls {
		c.mu.Lock()
		b := c.bridge
		c.mu.Unlock()
		if b == nil {
			continue
		}
		s := b.Stats()
		total.PacketsIn += s.PacketsIn
		total.PacketsOut += s.PacketsOut
		total.PacketsDropped += s.PacketsDropped
	}
	return total
}

// HandleInvite processes a new INVITE transaction end to end.
func (cm *CallManager) HandleInvite(tx *ServerTransaction) {
	req := tx.Request()
	callID := req.CallID()
	logger := cm.logger.With("call_id", callID, "src", tx.Source().String())

	if callID == "" || req.FromTag() == "" {
		tx.Respond(sipmsg.NewResponse(req, 400, "Bad Request", ""))
		return
	}

	// Quench the caller's retransmit timer before any lookups happen.
	tx.Respond(sipmsg.NewResponse(req, 100, "Trying", ""))

	cm.mu.Lock()
	if _, exists := cm.calls[callID]; exists {
		cm.mu.Unlock()
		// A new transaction reusing a live dialog's Call-ID is a client
		// bug; refuse it without disturbing the live call.
		tx.Respond(sipmsg.NewResponse(req, 482, "Loop Detected", ""))
		return
	}
	cm.mu.Unlock()

	// Negotiate media before anything persistent happens.
	session, err := cm.negotiate(req)
	if err != nil {
		logger.Info("codec negotiation failed", "error", err)
		tx.Respond(sipmsg.NewResponse(req, 488, "Not Acceptable Here", ""))
		return
	}

	extension := uriUser(req.URI)
	route, err := cm.lookupRoute(extension)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("no route for extension", "extension", extension)
			tx.Respond(sipmsg.NewResponse(req, 404, "Not Found", ""))
			return
		}
		logger.Error("route lookup failed", "extension", extension, "error", err)
		tx.Respond(sipmsg.NewResponse(req, 500, "Server Internal Error", ""))
		return
	}

	record := &models.Call{
		SIPCallID:  callID,
		CallerAddr: tx.Source().String(),
		CallerURI:  uriFromHeader(req.Headers.Get("From")),
		Extension:  extension,
		GuildID:    route.GuildID,
		ChannelID:  route.ChannelID,
		Codec:      session.CodecName,
		Status:     models.StatusRinging,
	}
	if err := cm.cfg.Calls.Create(context.Background(), record); err != nil {
		if errors.Is(err, store.ErrDuplicateActiveCall) {
			logger.Info("caller already in a call")
			tx.Respond(sipmsg.NewResponse(req, 486, "Busy Here", ""))
			return
		}
		logger.Error("persisting call failed", "error", err)
		tx.Respond(sipmsg.NewResponse(req, 500, "Server Internal Error", ""))
		return
	}

	sock, err := cm.cfg.Ports.Allocate()
	if err != nil {
		logger.Error("rtp port allocation failed", "error", err)
		cm.finishRecord(record.ID, models.StatusFailed, "no rtp ports", logger)
		tx.Respond(sipmsg.NewResponse(req, 503, "Service Unavailable", ""))
		return
	}
	session.LocalPort = sock.Port

	call := &Call{
		recordID:  record.ID,
		sipCallID: callID,
		localTag:  sipmsg.NewTag(),
		remoteTag: req.FromTag(),
		extension: extension,
		source:    tx.Source(),
		invite:    req,
		inviteTx:  tx,
		session:   session,
		route:     route,
		status:    models.StatusRinging,
		sock:      sock,
	}
	cm.mu.Lock()
	cm.calls[callID] = call
	cm.mu.Unlock()

	logger = logger.With("extension", extension, "codec", session.CodecName)
	logger.Info("call ringing", "route_kind", string(route.Kind))

	tx.OnTimeout = func() { cm.teardown(call, models.StatusFailed, "no ack for final response", nil) }

	tx.Respond(sipmsg.NewResponse(req, 180, "Ringing", call.localTag))

	switch route.Kind {
	case models.RouteAsset:
		cm.answerAsset(call, tx, logger)
	default:
		go cm.ringChannel(call, tx, logger)
	}
}

// negotiate parses and answers the INVITE's SDP offer.
func (cm *CallManager) negotiate(req *sipmsg.Request) (*media.Session, error) {
	ct := strings.ToLower(req.Headers.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "application/sdp") {
		return nil, fmt.Errorf("unsupported content type %q", ct)
	}
	if len(req.Body) == 0 {
		return nil, fmt.Errorf("invite carries no sdp offer")
	}
	offer, err := media.ParseSDP(req.Body)
	if err != nil {
		return nil, err
	}
	return media.Negotiate(offer)
}

// lookupRoute queries the route with bounded retries; a flaky disk must
// not fail a call that a second read would have placed.
func (cm *CallManager) lookupRoute(extension string) (*models.Route, error) {
	var lastErr error
	for attempt := 0; attempt < routeLookupAttempts; attempt++ {
		route, err := cm.cfg.Routes.GetByExtension(context.Background(), extension)
		if err == nil {
			return route, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return nil, lastErr
}

// answerAsset answers immediately and loops a rendered asset through the
// bridge. No platform involvement.
func (cm *CallManager) answerAsset(call *Call, tx *ServerTransaction, logger *slog.Logger) {
	conn, err := media.NewAssetConn(call.route.AssetName)
	if err != nil {
		logger.Error("asset unavailable", "asset", call.route.AssetName, "error", err)
		if cm.teardown(call, models.StatusFailed, "asset unavailable", nil) {
			tx.Respond(sipmsg.NewResponse(call.invite, 500, "Server Internal Error", call.localTag))
		}
		return
	}
	cm.answer(call, tx, conn, logger)
}

// ringChannel rings the mapped voice channel and answers when someone
// joins. Runs on its own goroutine for the life of the ring.
func (cm *CallManager) ringChannel(call *Call, tx *ServerTransaction, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	call.mu.Lock()
	call.stopRing = cancel
	call.mu.Unlock()
	defer cancel()

	dst := voice.Destination{GuildID: call.route.GuildID, ChannelID: call.route.ChannelID}
	results, err := cm.cfg.Platform.Ring(ctx, call.sipCallID, dst)
	if err != nil {
		logger.Info("platform ring failed", "error", err)
		if cm.teardown(call, models.StatusFailed, "platform unavailable", nil) {
			tx.Respond(sipmsg.NewResponse(call.invite, 480, "Temporarily Unavailable", call.localTag))
		}
		return
	}

	select {
	case <-ctx.Done():
		// Cancelled or torn down elsewhere; that path answered the
		// transaction already.
		cm.cfg.Platform.StopRing(call.sipCallID)
		return
	case <-time.After(cm.cfg.RingTimeout):
		cm.cfg.Platform.StopRing(call.sipCallID)
		logger.Info("ring timeout")
		if cm.teardown(call, models.StatusFailed, "ring timeout", nil) {
			tx.Respond(sipmsg.NewResponse(call.invite, 480, "Temporarily Unavailable", call.localTag))
		}
		return
	case result := <-results:
		if !result.Answered {
			logger.Info("ring refused", "reason", result.Reason)
			if cm.teardown(call, models.StatusFailed, result.Reason, nil) {
				tx.Respond(sipmsg.NewResponse(call.invite, 480, "Temporarily Unavailable", call.localTag))
			}
			return
		}
	}

	joinCtx, joinCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer joinCancel()
	conn, err := cm.cfg.Platform.Join(joinCtx, call.sipCallID, dst)
	if err != nil {
		logger.Error("platform join failed", "error", err)
		if cm.teardown(call, models.StatusFailed, "platform join failed", nil) {
			tx.Respond(sipmsg.NewResponse(call.invite, 480, "Temporarily Unavailable", call.localTag))
		}
		return
	}

	cm.answer(call, tx, conn, logger)
}

// answer persists the transition, sends the 2xx with our SDP answer, and
// arms the ACK handler that starts the bridge. The store write comes
// first: if it fails the call never reports active to anyone.
func (cm *CallManager) answer(call *Call, tx *ServerTransaction, conn voice.Conn, logger *slog.Logger) {
	if err := cm.cfg.Calls.MarkAnswered(context.Background(), call.recordID, time.Now()); err != nil {
		conn.Close()
		logger.Error("persisting answer failed", "error", err)
		if cm.teardown(call, models.StatusFailed, "storage failure on answer", nil) {
			tx.Respond(sipmsg.NewResponse(call.invite, 500, "Server Internal Error", call.localTag))
		}
		return
	}

	call.mu.Lock()
	if call.status != models.StatusRinging {
		// Torn down between ring and answer.
		call.mu.Unlock()
		conn.Close()
		return
	}
	call.conn = conn
	call.mu.Unlock()

	tx.OnACK = func(ack *sipmsg.Request) { cm.confirmed(call, logger) }

	resp := sipmsg.NewResponse(call.invite, 200, "OK", call.localTag)
	resp.Headers.Add("Contact", fmt.Sprintf("<sip:%s:%d>", cm.cfg.MediaIP, cm.cfg.SIPPort))
	resp.Headers.Add("Allow", allowedMethods)
	resp.SetBody("application/sdp", call.session.BuildAnswer(cm.cfg.MediaIP, call.recordID))
	tx.Respond(resp)
	logger.Info("call answered, awaiting ack")
}

// confirmed starts the audio bridge once the 2xx is acknowledged.
func (cm *CallManager) confirmed(call *Call, logger *slog.Logger) {
	if !call.setStatus(models.StatusActive, models.StatusRinging) {
		return
	}

	call.mu.Lock()
	conn := call.conn
	sock := call.sock
	call.mu.Unlock()

	bridge, err := media.NewBridge(call.sipCallID, call.session, sock, conn,
		cm.cfg.IdleTimeout,
		func() { cm.hangup(call, models.StatusFailed, "idle timeout") },
		logger,
	)
	if err != nil {
		logger.Error("bridge setup failed", "error", err)
		cm.hangup(call, models.StatusFailed, "bridge setup failed")
		return
	}

	call.mu.Lock()
	call.bridge = bridge
	call.mu.Unlock()
	bridge.Start()
	logger.Info("call active")
}

// HandleCancel processes a CANCEL matched to a live INVITE transaction.
func (cm *CallManager) HandleCancel(invite *ServerTransaction) {
	callID := invite.Request().CallID()
	call := cm.lookup(callID)
	if call == nil {
		return
	}
	logger := cm.logger.With("call_id", callID)
	logger.Info("call cancelled by caller")

	if cm.teardown(call, models.StatusCancelled, "cancelled by caller", nil) {
		invite.Respond(sipmsg.NewResponse(invite.Request(), 487, "Request Terminated", call.localTag))
	}
}

// HandleBye processes an in-dialog BYE.
func (cm *CallManager) HandleBye(tx *ServerTransaction) {
	req := tx.Request()
	call := cm.lookup(req.CallID())
	if call == nil || !call.matchesDialog(req) {
		tx.Respond(sipmsg.NewResponse(req, 481, "Call/Transaction Does Not Exist", ""))
		return
	}

	cm.logger.Info("call ended by caller", "call_id", call.sipCallID)
	if call.currentStatus() == models.StatusRinging {
		// BYE before answer is unusual but terminal all the same. The
		// INVITE transaction is still open and must get its own final.
		if cm.teardown(call, models.StatusCancelled, "caller hung up", nil) {
			call.inviteTx.Respond(sipmsg.NewResponse(call.invite, 487, "Request Terminated", call.localTag))
		}
		tx.Respond(sipmsg.NewResponse(req, 200, "OK", ""))
		return
	}
	cm.teardown(call, models.StatusEnded, "caller hung up", nil)
	tx.Respond(sipmsg.NewResponse(req, 200, "OK", ""))
}

// HandleACK processes ACKs that no transaction claimed by branch. The ACK
// for a 2xx starts a new transaction of its own (RFC 3261 §17.1.1.3), so
// it arrives here and is matched to its dialog by Call-ID and tags.
func (cm *CallManager) HandleACK(req *sipmsg.Request) {
	call := cm.lookup(req.CallID())
	if call == nil {
		cm.logger.Debug("stray ack", "call_id", req.CallID())
		return
	}
	if !call.matchesDialog(req) {
		cm.logger.Debug("ack with mismatched dialog tags", "call_id", req.CallID())
		return
	}
	call.inviteTx.handleACK(req)
}

// hangup ends an established call from our side: BYE to the phone, then
// teardown.
func (cm *CallManager) hangup(call *Call, status models.CallStatus, reason string) {
	cm.logger.Info("hanging up", "call_id", call.sipCallID, "reason", reason)
	cm.teardown(call, status, reason, func() { cm.sendBye(call) })
}

// Shutdown tears down every live call.
func (cm *CallManager) Shutdown() {
	cm.mu.Lock()
	calls := make([]*Call, 0, len(cm.calls))
	for _, c := range cm.calls {
		calls = append(calls, c)
	}
	cm.mu.Unlock()

	for _, call := range calls {
		wasActive := call.currentStatus() == models.StatusActive
		var bye func()
		if wasActive {
			bye = func() { cm.sendBye(call) }
		}
		cm.teardown(call, models.StatusFailed, "server shutdown", bye)
	}
}

// teardown is the single exit path for a call. Exactly one caller wins;
// the winner releases media, stops ringing, persists the terminal status,
// and drops the dialog. Returns whether this caller won.
func (cm *CallManager) teardown(call *Call, status models.CallStatus, reason string, beforeRelease func()) bool {
	if !call.setStatus(status, models.StatusRinging, models.StatusActive) {
		return false
	}

	if beforeRelease != nil {
		beforeRelease()
	}

	call.mu.Lock()
	bridge := call.bridge
	conn := call.conn
	sock := call.sock
	stopRing := call.stopRing
	call.bridge = nil
	call.conn = nil
	call.sock = nil
	call.mu.Unlock()

	if stopRing != nil {
		stopRing()
	}
	if bridge != nil {
		bridge.Close()
	} else if conn != nil {
		conn.Close()
	}
	if sock != nil {
		cm.cfg.Ports.Release(sock)
	}

	cm.mu.Lock()
	delete(cm.calls, call.sipCallID)
	cm.mu.Unlock()

	logger := cm.logger.With("call_id", call.sipCallID)
	cm.finishRecord(call.recordID, status, reason, logger)
	logger.Info("call finished", "status", string(status), "reason", reason)
	return true
}

// finishRecord persists a terminal status, logging rather than failing:
// at teardown time there is nothing left to refuse.
func (cm *CallManager) finishRecord(id int64, status models.CallStatus, reason string, logger *slog.Logger) {
	if err := cm.cfg.Calls.Finish(context.Background(), id, status, reason, time.Now()); err != nil {
		logger.Error("persisting call end failed", "error", err)
	}
}

// sendBye sends a fire-and-forget BYE inside the dialog. UDP loss here
// costs the phone a hung line until its own timers fire, which is the
// accepted cost of not keeping client transaction state.
func (cm *CallManager) sendBye(call *Call) {
	call.mu.Lock()
	call.byeCSeq++
	cseq := call.byeCSeq
	call.mu.Unlock()

	target := call.invite.ContactURI()
	if target == "" {
		target = uriFromHeader(call.invite.Headers.Get("From"))
	}

	bye := sipmsg.NewRequest("BYE", target)
	bye.Headers.Add("Via", fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=%s", cm.cfg.MediaIP, cm.cfg.SIPPort, sipmsg.NewBranch()))
	bye.Headers.Add("Max-Forwards", "70")
	bye.Headers.Add("From", fmt.Sprintf("%s;tag=%s", stripTag(call.invite.Headers.Get("To")), call.localTag))
	bye.Headers.Add("To", call.invite.Headers.Get("From"))
	bye.Headers.Add("Call-ID", call.sipCallID)
	bye.Headers.Add("CSeq", fmt.Sprintf("%d BYE", cseq))
	cm.cfg.Send(bye.Marshal(), call.source)
}

// lookup returns a live call by SIP Call-ID.
func (cm *CallManager) lookup(callID string) *Call {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.calls[callID]
}

// matchesDialog verifies the tags of an in-dialog request against the
// dialog's. A missing To tag never matches; 481 is the reply.
func (c *Call) matchesDialog(req *sipmsg.Request) bool {
	return req.ToTag() == c.localTag && req.FromTag() == c.remoteTag
}

// uriUser extracts the user part of a SIP URI: "sip:2001@host" -> "2001".
func uriUser(uri string) string {
	u := strings.TrimPrefix(uri, "sips:")
	u = strings.TrimPrefix(u, "sip:")
	if idx := strings.Index(u, "@"); idx >= 0 {
		return u[:idx]
	}
	return ""
}

// uriFromHeader extracts the bare URI from a From/To header value.
func uriFromHeader(value string) string {
	if start := strings.Index(value, "<"); start >= 0 {
		if end := strings.Index(value[start:], ">"); end > 0 {
			return value[start+1 : start+end]
		}
	}
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// stripTag removes the tag parameter from a From/To header value.
func stripTag(value string) string {
	if idx := strings.Index(value, ";tag="); idx >= 0 {
		rest := value[idx+1:]
		if semi := strings.Index(rest, ";"); semi >= 0 {
			return value[:idx] + rest[semi:]
		}
		return value[:idx]
	}
	return value
}
