package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/sipmsg"
)

// Server transaction state machines per RFC 3261 §17.2, with the RFC 6026
// Accepted state so 2xx responses are retransmitted until acknowledged.
//
// INVITE:     Proceeding -> Accepted  -> Confirmed -> Terminated
//                        \> Completed /
// non-INVITE: Trying -> Proceeding -> Completed -> Terminated

// TxState is a server transaction state.
type TxState int

const (
	TxTrying TxState = iota
	TxProceeding
	TxAccepted
	TxCompleted
	TxConfirmed
	TxTerminated
)

func (s TxState) String() string {
	switch s {
	case TxTrying:
		return "trying"
	case TxProceeding:
		return "proceeding"
	case TxAccepted:
		return "accepted"
	case TxCompleted:
		return "completed"
	case TxConfirmed:
		return "confirmed"
	case TxTerminated:
		return "terminated"
	}
	return "unknown"
}

// TimerConfig holds the RFC 3261 base timer values. Tests shrink them to
// keep retransmission runs fast.
type TimerConfig struct {
	T1 time.Duration // retransmit base, RTT estimate
	T2 time.Duration // retransmit cap for non-INVITE and final responses
	T4 time.Duration // maximum lifetime of a message in the network
}

// DefaultTimers returns the standard values: T1=500ms, T2=4s, T4=5s.
func DefaultTimers() TimerConfig {
	return TimerConfig{
		T1: 500 * time.Millisecond,
		T2: 4 * time.Second,
		T4: 5 * time.Second,
	}
}

// timerH returns the give-up interval for awaiting an ACK, 64*T1.
func (tc TimerConfig) timerH() time.Duration { return 64 * tc.T1 }

// timerJ returns the non-INVITE absorb interval, 64*T1.
func (tc TimerConfig) timerJ() time.Duration { return 64 * tc.T1 }

// txKey identifies a server transaction: the top Via branch plus the
// method class. ACK shares the INVITE's key; CANCEL is its own
// transaction under the same branch.
type txKey struct {
	branch string
	method string
}

// ServerTransaction tracks one request's response retransmission state.
// The transaction user drives it through Respond; the transaction handles
// retransmitted requests and timer-driven retransmission of its last
// response on its own.
type ServerTransaction struct {
	key     txKey
	method  string // original request method
	source  *net.UDPAddr
	request *sipmsg.Request

	mgr    *Manager
	logger *slog.Logger

	mu           sync.Mutex
	state        TxState
	lastFinal    []byte // marshaled final response, replayed on retransmit
	lastResponse []byte // last response of any class
	gInterval    time.Duration
	timerG       *time.Timer
	timerH       *time.Timer
	timerI       *time.Timer
	timerJ       *time.Timer

	// OnACK is invoked once with the ACK that moves the transaction out
	// of Accepted or Completed. Set before the final response is sent.
	OnACK func(ack *sipmsg.Request)
	// OnTimeout is invoked if no ACK ever arrives (Timer H).
	OnTimeout func()
}

// State returns the current transaction state.
func (tx *ServerTransaction) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Request returns the request that created the transaction.
func (tx *ServerTransaction) Request() *sipmsg.Request { return tx.request }

// Source returns the address the request arrived from.
func (tx *ServerTransaction) Source() *net.UDPAddr { return tx.source }

// Respond sends a response through the transaction, updating state
// according to the response class. Responses after a final one are
// ignored.
func (tx *ServerTransaction) Respond(resp *sipmsg.Response) {
	data := resp.Marshal()

	tx.mu.Lock()
	switch tx.state {
	case TxTrying, TxProceeding:
	default:
		tx.mu.Unlock()
		return
	}

	tx.lastResponse = data
	switch {
	case resp.StatusCode < 200:
		if tx.state == TxTrying {
			tx.state = TxProceeding
		}
	case tx.method == "INVITE":
		tx.lastFinal = data
		if resp.StatusCode < 300 {
			tx.state = TxAccepted
		} else {
			tx.state = TxCompleted
		}
		// Retransmit the final until acknowledged, doubling up to T2,
		// and give up after 64*T1.
		tx.gInterval = tx.mgr.timers.T1
		tx.timerG = time.AfterFunc(tx.gInterval, tx.onTimerG)
		tx.timerH = time.AfterFunc(tx.mgr.timers.timerH(), tx.onTimerH)
	default:
		tx.lastFinal = data
		tx.state = TxCompleted
		tx.timerJ = time.AfterFunc(tx.mgr.timers.timerJ(), func() { tx.terminate("timer J") })
	}
	state := tx.state
	tx.mu.Unlock()

	tx.mgr.send(data, tx.source)
	tx.logger.Debug("response sent", "status", resp.StatusCode, "tx_state", state.String())
}

// handleRetransmit replays the last response for a retransmitted request.
func (tx *ServerTransaction) handleRetransmit() {
	tx.mu.Lock()
	data := tx.lastResponse
	tx.mu.Unlock()
	if data != nil {
		tx.mgr.send(data, tx.source)
	}
}

// handleACK processes an ACK for this transaction's final response.
func (tx *ServerTransaction) handleACK(ack *sipmsg.Request) {
	tx.mu.Lock()
	switch tx.state {
	case TxAccepted, TxCompleted:
	case TxConfirmed:
		// Retransmitted ACK, absorb.
		tx.mu.Unlock()
		return
	default:
		tx.mu.Unlock()
		return
	}

	tx.state = TxConfirmed
	tx.stopTimersLocked()
	// Absorb ACK retransmissions for T4, then terminate.
	tx.timerI = time.AfterFunc(tx.mgr.timers.T4, func() { tx.terminate("timer I") })
	onACK := tx.OnACK
	tx.mu.Unlock()

	if onACK != nil {
		onACK(ack)
	}
}

// onTimerG retransmits the final response with exponential backoff.
func (tx *ServerTransaction) onTimerG() {
	tx.mu.Lock()
	if tx.state != TxAccepted && tx.state != TxCompleted {
		tx.mu.Unlock()
		return
	}
	data := tx.lastFinal
	tx.gInterval *= 2
	if tx.gInterval > tx.mgr.timers.T2 {
		tx.gInterval = tx.mgr.timers.T2
	}
	tx.timerG = time.AfterFunc(tx.gInterval, tx.onTimerG)
	tx.mu.Unlock()

	tx.mgr.send(data, tx.source)
	tx.logger.Debug("final response retransmitted")
}

// onTimerH gives up waiting for an ACK.
func (tx *ServerTransaction) onTimerH() {
	tx.mu.Lock()
	if tx.state != TxAccepted && tx.state != TxCompleted {
		tx.mu.Unlock()
		return
	}
	onTimeout := tx.OnTimeout
	tx.mu.Unlock()

	tx.logger.Warn("no ack received for final response")
	if onTimeout != nil {
		onTimeout()
	}
	tx.terminate("timer H")
}

// terminate moves the transaction to Terminated and removes it from the
// manager. Idempotent.
func (tx *ServerTransaction) terminate(why string) {
	tx.mu.Lock()
	if tx.state == TxTerminated {
		tx.mu.Unlock()
		return
	}
	tx.state = TxTerminated
	tx.stopTimersLocked()
	tx.mu.Unlock()

	tx.mgr.remove(tx.key)
	tx.logger.Debug("transaction terminated", "why", why)
}

func (tx *ServerTransaction) stopTimersLocked() {
	for _, t := range []*time.Timer{tx.timerG, tx.timerH, tx.timerI, tx.timerJ} {
		if t != nil {
			t.Stop()
		}
	}
}

// Manager owns the live server transactions, matching incoming requests
// to them by branch and method.
type Manager struct {
	timers TimerConfig
	send   func(data []byte, addr *net.UDPAddr)
	logger *slog.Logger

	mu  sync.Mutex
	txs map[txKey]*ServerTransaction
}

// NewManager creates a transaction manager. send transmits a marshaled
// message to an address; it must not block indefinitely.
func NewManager(timers TimerConfig, send func(data []byte, addr *net.UDPAddr), logger *slog.Logger) *Manager {
	return &Manager{
		timers: timers,
		send:   send,
		logger: logger.With("subsystem", "transaction"),
		txs:    make(map[txKey]*ServerTransaction),
	}
}

// keyFor builds the matching key for a request. ACK matches the INVITE
// transaction it acknowledges.
func keyFor(req *sipmsg.Request) txKey {
	method := req.Method
	if method == "ACK" {
		method = "INVITE"
	}
	return txKey{branch: req.Branch(), method: method}
}

// Handle matches a request to its server transaction. It returns the
// transaction and whether the request is new work for the transaction
// user. Retransmissions and ACKs for known transactions are consumed
// here; an ACK with no transaction is new work (the 2xx case, where the
// transaction may already be gone).
func (m *Manager) Handle(req *sipmsg.Request, src *net.UDPAddr) (*ServerTransaction, bool) {
	key := keyFor(req)

	m.mu.Lock()
	tx, ok := m.txs[key]
	if !ok && req.Method != "ACK" {
		tx = &ServerTransaction{
			key:     key,
			method:  req.Method,
			source:  src,
			request: req,
			mgr:     m,
			state:   TxTrying,
			logger: m.logger.With(
				"method", req.Method,
				"branch", req.Branch(),
			),
		}
		if req.Method == "INVITE" {
			tx.state = TxProceeding
		}
		m.txs[key] = tx
		m.mu.Unlock()
		return tx, true
	}
	m.mu.Unlock()

	switch {
	case tx == nil:
		// ACK with no transaction: belongs to the dialog layer.
		return nil, true
	case req.Method == "ACK":
		tx.handleACK(req)
		return tx, false
	default:
		tx.handleRetransmit()
		return tx, false
	}
}

// Invite returns the INVITE transaction for a branch, used to pair a
// CANCEL with the request it cancels.
func (m *Manager) Invite(branch string) *ServerTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[txKey{branch: branch, method: "INVITE"}]
}

// Count returns the number of live transactions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// Shutdown terminates all live transactions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	txs := make([]*ServerTransaction, 0, len(m.txs))
	for _, tx := range m.txs {
		txs = append(txs, tx)
	}
	m.mu.Unlock()
	for _, tx := range txs {
		tx.terminate("shutdown")
	}
}

func (m *Manager) remove(key txKey) {
	m.mu.Lock()
	delete(m.txs, key)
	m.mu.Unlock()
}
