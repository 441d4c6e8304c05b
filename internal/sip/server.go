package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/sipmsg"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/voice"
	"golang.org/x/time/rate"
)

// maxDatagram is the largest SIP datagram we accept.
const maxDatagram = 65535

// allowedMethods is advertised in Allow headers and backs the 405 check.
const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, REGISTER"

// Server is the SIP UDP endpoint: it reads datagrams, maintains server
// transactions, and hands new work to the call manager.
type Server struct {
	cfg     *config.Config
	conn    *net.UDPConn
	txmgr   *Manager
	limiter *RateLimiter
	calls   *CallManager
	logger  *slog.Logger

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer wires the SIP endpoint and its call manager. The listener is
// not started until Start.
func NewServer(cfg *config.Config, db *store.DB, platform voice.Platform, pool *media.PortPool, timers TimerConfig, logger *slog.Logger) (*Server, error) {
	l := logger.With("component", "sip")

	mediaIP, err := cfg.ResolveMediaIP()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg,
		limiter: NewRateLimiter(RateLimiterConfig{
			Rate:            rate.Limit(cfg.CallRate),
			Burst:           cfg.CallBurst,
			CleanupInterval: DefaultRateLimiterConfig().CleanupInterval,
			MaxAge:          DefaultRateLimiterConfig().MaxAge,
		}, l),
		logger: l,
		closed: make(chan struct{}),
	}
	s.txmgr = NewManager(timers, s.send, l)
	s.calls = NewCallManager(CallManagerConfig{
		Calls:       store.NewCallRepository(db),
		Routes:      store.NewRouteRepository(db),
		Platform:    platform,
		Ports:       pool,
		MediaIP:     mediaIP,
		SIPPort:     cfg.SIPPort,
		RingTimeout: secondsDuration(cfg.RingTimeoutSec),
		IdleTimeout: secondsDuration(cfg.IdleTimeoutSec),
		Send:        s.send,
	}, l)
	return s, nil
}

// Addr returns the bound UDP address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Calls exposes the call manager for metrics and the ops API.
func (s *Server) Calls() *CallManager { return s.calls }

// Transactions exposes the transaction manager for metrics.
func (s *Server) Transactions() *Manager { return s.txmgr }

// Start binds the UDP socket and runs the read loop until the context is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := &net.UDPAddr{Port: s.cfg.SIPPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding sip socket: %w", err)
	}
	s.conn = conn
	s.logger.Info("sip listener started", "addr", conn.LocalAddr().String())

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		s.shutdown()
	}()
	return nil
}

// Stop tears down the listener, transactions, and live calls.
func (s *Server) Stop() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.wg.Wait()
}

func (s *Server) shutdown() {
	s.calls.Shutdown()
	s.txmgr.Shutdown()
	s.limiter.Stop()
	if s.conn != nil {
		s.conn.Close()
	}
	s.logger.Info("sip listener stopped")
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("sip read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, src)
	}
}

// handleDatagram processes one UDP datagram: keepalives, requests, and
// responses.
func (s *Server) handleDatagram(data []byte, src *net.UDPAddr) {
	// RFC 5626 CRLF keepalive: reply with a single CRLF.
	if isKeepalive(data) {
		s.send([]byte("\r\n"), src)
		return
	}

	msg, err := sipmsg.Parse(data)
	if err != nil {
		if errors.Is(err, sipmsg.ErrNotSIP) {
			s.logger.Debug("non-sip datagram dropped", "src", src.String(), "bytes", len(data))
			return
		}
		s.logger.Debug("malformed sip message dropped", "src", src.String(), "error", err)
		return
	}

	if msg.Response != nil {
		// We only originate fire-and-forget BYEs; any response just
		// completes that exchange.
		s.logger.Debug("response received", "status", msg.Response.StatusCode, "src", src.String())
		return
	}

	s.handleRequest(msg.Request, src)
}

func (s *Server) handleRequest(req *sipmsg.Request, src *net.UDPAddr) {
	// Record the actual source in the top Via so responses and ACKs route
	// correctly through NAT (RFC 3581).
	rport := req.TagReceived(src.IP.String(), src.Port)
	dst := responseAddr(req, src, rport)

	tx, isNew := s.txmgr.Handle(req, dst)
	if !isNew {
		return
	}
	if tx == nil {
		// ACK outside any transaction acknowledges a 2xx; it belongs to
		// the dialog.
		s.calls.HandleACK(req)
		return
	}

	// Extensions we do not implement are refused up front.
	if req.Headers.Get("Require") != "" {
		resp := sipmsg.NewResponse(req, 420, "Bad Extension", "")
		resp.Headers.Add("Unsupported", req.Headers.Get("Require"))
		tx.Respond(resp)
		return
	}

	switch req.Method {
	case "INVITE":
		if !s.limiter.Allow(src.IP.String()) {
			s.logger.Warn("call rate limit exceeded", "src", src.String())
			tx.Respond(sipmsg.NewResponse(req, 503, "Service Unavailable", ""))
			return
		}
		s.calls.HandleInvite(tx)
	case "CANCEL":
		s.handleCancel(tx)
	case "BYE":
		s.calls.HandleBye(tx)
	case "OPTIONS":
		resp := sipmsg.NewResponse(req, 200, "OK", "")
		resp.Headers.Add("Allow", allowedMethods)
		resp.Headers.Add("Accept", "application/sdp")
		tx.Respond(resp)
	case "REGISTER":
		// No registrar; phones are configured to dial us directly. Accept
		// so they do not mark the trunk down.
		tx.Respond(sipmsg.NewResponse(req, 200, "OK", ""))
	default:
		resp := sipmsg.NewResponse(req, 405, "Method Not Allowed", "")
		resp.Headers.Add("Allow", allowedMethods)
		tx.Respond(resp)
	}
}

// handleCancel pairs a CANCEL with its INVITE transaction.
func (s *Server) handleCancel(tx *ServerTransaction) {
	req := tx.Request()
	invite := s.txmgr.Invite(req.Branch())
	if invite == nil || invite.State() != TxProceeding {
		// Nothing cancellable: the INVITE is unknown or already answered.
		tx.Respond(sipmsg.NewResponse(req, 481, "Call/Transaction Does Not Exist", ""))
		return
	}

	tx.Respond(sipmsg.NewResponse(req, 200, "OK", ""))
	s.calls.HandleCancel(invite)
}

// send transmits a marshaled message.
func (s *Server) send(data []byte, addr *net.UDPAddr) {
	if s.conn == nil {
		return
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.logger.Debug("sip send failed", "dst", addr.String(), "error", err)
	}
}

// isKeepalive reports whether a datagram is only CRLF (or LF) bytes.
func isKeepalive(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b != '\r' && b != '\n' {
			return false
		}
	}
	return true
}

// responseAddr picks where responses to a request go: the source address,
// with the port overridden by the Via sent-by port when the client did not
// ask for symmetric routing via rport (RFC 3261 §18.2.2, RFC 3581).
func responseAddr(req *sipmsg.Request, src *net.UDPAddr, rport bool) *net.UDPAddr {
	if rport {
		return src
	}
	if port := req.ViaSentByPort(); port > 0 {
		return &net.UDPAddr{IP: src.IP, Port: port}
	}
	return src
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
