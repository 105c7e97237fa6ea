// Package client implements the device-side counterpart of the broadcast
// server: connect and authenticate, queue sends while offline, track
// acknowledgments, reconnect with bounded backoff, and fall back to polling
// the order store when the realtime path is unavailable.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tableside/notify/internal/logging"
	"tableside/notify/internal/order"
	"tableside/notify/internal/protocol"
)

// Defaults for the connection manager knobs.
const (
	DefaultConnectTimeout       = 5 * time.Second
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultMaxQueueSize         = 100
	DefaultMessageTimeout       = 10 * time.Second
	DefaultPollInterval         = 5 * time.Second
	DefaultFallbackPollInterval = 30 * time.Second
	DefaultPollErrorBackoff     = 10 * time.Second

	// maxSendRetries caps how many times an unacknowledged envelope is
	// retried before it is dropped with an error callback.
	maxSendRetries = 3
	// maxPollErrorRetries caps the tight error-backoff loop before polling
	// degrades to the slow fallback interval.
	maxPollErrorRetries = 3
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Mode reports how the manager is currently sourcing order state.
type Mode int

const (
	// ModeRealtime means events arrive over the websocket channel.
	ModeRealtime Mode = iota
	// ModePolling means the manager is pulling order state over HTTP.
	ModePolling
)

func (m Mode) String() string {
	if m == ModePolling {
		return "polling"
	}
	return "realtime"
}

var (
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("connection manager closed")
	// ErrQueueOverflow is surfaced when the bounded outbound queue evicts its
	// oldest entry.
	ErrQueueOverflow = errors.New("outbound queue overflow")
	// ErrAckTimeout is surfaced when an envelope exhausts its retries without
	// an acknowledgment.
	ErrAckTimeout = errors.New("message acknowledgment timed out")
)

// ServerError is an error envelope relayed from the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Handlers receives inbound events. All callbacks run on the manager's
// internal goroutines; after Disconnect returns no further callbacks fire.
type Handlers struct {
	Authenticated func(userID, role string)
	AuthFailed    func(err error)
	NewOrder      func(snapshot order.Snapshot)
	StatusChanged func(snapshot order.Snapshot)
	ModeChanged   func(mode Mode)
	Error         func(err error)
}

// Options configures a Manager. Zero values fall back to the defaults above.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is the credential presented in the authenticate envelope and on
	// polling requests.
	Token string
	// Role is the audience claim sent alongside the token.
	Role string
	// PollURL is the polling-fallback endpoint, e.g. http://localhost:8082/orders.
	PollURL string

	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	MaxQueueSize         int
	MessageTimeout       time.Duration
	PollInterval         time.Duration
	PollErrorBackoff     time.Duration

	Handlers Handlers
	Logger   *logging.Logger
	Dialer   *websocket.Dialer
	HTTP     *http.Client
}

func (o *Options) fillDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.MessageTimeout <= 0 {
		o.MessageTimeout = DefaultMessageTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollErrorBackoff <= 0 {
		o.PollErrorBackoff = DefaultPollErrorBackoff
	}
	if o.Logger == nil {
		o.Logger = logging.L()
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{}
	}
	if o.HTTP == nil {
		o.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
}

// connectAttempt is the shared result handle for an in-flight connect, so
// concurrent Connect callers never race a second socket open.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns one logical realtime connection and its fallback state.
type Manager struct {
	opts   Options
	logger *logging.Logger

	mu       sync.Mutex
	closed   bool
	state    State
	mode     Mode
	conn     *websocket.Conn
	handlers Handlers
	// gen increments per physical connection so goroutines and timers bound
	// to an earlier socket become no-ops.
	gen uint64

	inflight       *connectAttempt
	attempts       int
	reconnectTimer *time.Timer

	queue   []queuedEnvelope
	pending map[string]*pendingAck

	orders   map[string]order.Snapshot
	lastSync time.Time

	pollCancel context.CancelFunc
}

// New constructs a Manager. Call Connect to open the channel.
func New(opts Options) *Manager {
	opts.fillDefaults()
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.With(logging.String("component", "client")),
		handlers: opts.Handlers,
		pending:  make(map[string]*pendingAck),
		orders:   make(map[string]order.Snapshot),
	}
}

// State reports the current lifecycle position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode reports whether the manager is on the realtime or polling path.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Connect opens the channel. It is idempotent: concurrent callers share one
// in-flight attempt, and a connected manager returns immediately. A manual
// call resets the reconnect budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnected || m.state == StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		attempt := m.inflight
		m.mu.Unlock()
		return m.await(ctx, attempt)
	}
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	m.inflight = attempt
	m.state = StateConnecting
	m.mu.Unlock()

	go m.doConnect(attempt)
	return m.await(ctx, attempt)
}

func (m *Manager) await(ctx context.Context, attempt *connectAttempt) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-attempt.done:
		return attempt.err
	}
}

func (m *Manager) doConnect(attempt *connectAttempt) {
	dialer := *m.opts.Dialer
	dialer.HandshakeTimeout = m.opts.ConnectTimeout
	dialCtx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	conn, resp, err := dialer.DialContext(dialCtx, m.opts.URL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.finishAttempt(attempt, err)
		m.logger.Warn("connect failed", logging.Error(err))
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		m.finishAttempt(attempt, ErrClosed)
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	// Authenticate immediately on open; the success envelope flips the state
	// and replays the outbound queue.
	frame, encErr := protocol.Encode(protocol.TypeAuthenticate, protocol.AuthenticatePayload{
		Token: m.opts.Token,
		Role:  m.opts.Role,
	}, "")
	if encErr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(m.opts.ConnectTimeout))
		encErr = conn.WriteMessage(websocket.TextMessage, frame)
	}
	if encErr != nil {
		m.finishAttempt(attempt, encErr)
		m.connectionLost(gen, encErr)
		return
	}

	m.finishAttempt(attempt, nil)
	go m.readLoop(conn, gen)
}

func (m *Manager) finishAttempt(attempt *connectAttempt, err error) {
	m.mu.Lock()
	if m.inflight == attempt {
		m.inflight = nil
		if err != nil && m.state == StateConnecting {
			m.state = StateDisconnected
		}
	}
	m.mu.Unlock()
	attempt.err = err
	close(attempt.done)
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		m.handleInbound(gen, raw)
	}
}

// connectionLost reacts to an unexpected close: flip to Disconnected and
// start the bounded reconnect cycle.
func (m *Manager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Warn("connection lost", logging.Error(cause))
	m.scheduleReconnect()
}

// scheduleReconnect arms the next backoff attempt, entering polling mode so
// the application keeps receiving order state while the channel is down.
// Once the budget is exhausted the manager stays in polling mode until an
// explicit Connect call.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	pollingStarted := m.startPollingLocked()
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.mu.Unlock()
		if pollingStarted {
			m.emitModeChanged(ModePolling)
		}
		m.logger.Warn("reconnect attempts exhausted, staying in polling mode")
		return
	}
	m.attempts++
	delay := m.opts.ReconnectDelay << uint(m.attempts-1)
	m.reconnectTimer = time.AfterFunc(delay, m.reconnectNow)
	attempt := m.attempts
	m.mu.Unlock()

	if pollingStarted {
		m.emitModeChanged(ModePolling)
	}
	m.logger.Info("reconnect scheduled",
		logging.Int("attempt", attempt),
		logging.String("delay", delay.String()))
}

func (m *Manager) reconnectNow() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected || m.inflight != nil {
		m.mu.Unlock()
		return
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	m.inflight = attempt
	m.state = StateConnecting
	m.mu.Unlock()

	m.doConnect(attempt)
}

func (m *Manager) handleInbound(gen uint64, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		m.logger.Debug("discarding malformed frame", logging.Error(err))
		return
	}
	switch env.Type {
	case protocol.TypeAuthenticateOK:
		var payload protocol.AuthenticatedPayload
		_ = env.DecodePayload(&payload)
		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.state = StateAuthenticated
		m.attempts = 0
		wasPolling := m.stopPollingLocked()
		m.flushQueueLocked()
		m.mu.Unlock()
		if wasPolling {
			m.emitModeChanged(ModeRealtime)
		}
		m.emit(func(h Handlers) {
			if h.Authenticated != nil {
				h.Authenticated(payload.UserID, payload.Role)
			}
		})
	case protocol.TypeAuthenticateError:
		var payload protocol.ErrorPayload
		_ = env.DecodePayload(&payload)
		authErr := &ServerError{Code: payload.Code, Message: payload.Message}
		m.logger.Error("authentication failed", logging.Error(authErr))
		// Bad credentials: retrying with the same token would loop, so the
		// reconnect cycle is suppressed until the caller intervenes.
		m.mu.Lock()
		if !m.closed && gen == m.gen {
			m.attempts = m.opts.MaxReconnectAttempts
		}
		m.mu.Unlock()
		m.emit(func(h Handlers) {
			if h.AuthFailed != nil {
				h.AuthFailed(authErr)
			}
		})
	case protocol.TypePong:
		if env.ID != "" {
			m.settleAck(env.ID)
		}
	case protocol.TypeOrderStatusChanged, protocol.TypeOrderUpdate, protocol.TypeNewOrder:
		var payload protocol.OrderEventPayload
		if err := env.DecodePayload(&payload); err != nil {
			m.logger.Debug("discarding malformed order event", logging.Error(err))
			return
		}
		if env.ID != "" {
			m.settleAck(env.ID)
		}
		snapshot, ok := m.applyOrderEvent(payload)
		if !ok {
			return
		}
		m.emit(func(h Handlers) {
			if env.Type == protocol.TypeNewOrder {
				if h.NewOrder != nil {
					h.NewOrder(snapshot)
				}
				return
			}
			if h.StatusChanged != nil {
				h.StatusChanged(snapshot)
			}
		})
	case protocol.TypeError:
		var payload protocol.ErrorPayload
		_ = env.DecodePayload(&payload)
		if env.ID != "" {
			// The server definitively rejected the envelope; retrying it
			// would repeat the rejection.
			m.dropAck(env.ID)
		}
		m.emit(func(h Handlers) {
			if h.Error != nil {
				h.Error(&ServerError{Code: payload.Code, Message: payload.Message})
			}
		})
	default:
		// Unknown types are ignored for forward compatibility.
		m.logger.Debug("ignoring unknown envelope type", logging.String("type", string(env.Type)))
	}
}

// applyOrderEvent folds an event into the local order cache.
func (m *Manager) applyOrderEvent(payload protocol.OrderEventPayload) (order.Snapshot, bool) {
	status, err := order.ParseStatus(payload.Status)
	if err != nil {
		return order.Snapshot{}, false
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, payload.Timestamp)
	snapshot := order.Snapshot{
		ID:         payload.OrderID,
		CustomerID: payload.CustomerID,
		Status:     status,
		UpdatedAt:  updatedAt,
	}
	m.mu.Lock()
	m.orders[snapshot.ID] = snapshot
	m.mu.Unlock()
	return snapshot, true
}

// Orders returns the local order cache sorted by last update.
func (m *Manager) Orders() []order.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]order.Snapshot, 0, len(m.orders))
	for _, snapshot := range m.orders {
		result = append(result, snapshot)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return result
}

// Order returns one cached order.
func (m *Manager) Order(id string) (order.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.orders[id]
	return snapshot, ok
}

// Disconnect closes the channel, clears timers, queue and handlers. No
// callbacks fire after it returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.state = StateDisconnected
	conn := m.conn
	m.conn = nil
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	for id, entry := range m.pending {
		entry.timer.Stop()
		delete(m.pending, id)
	}
	m.queue = nil
	m.stopPollingLocked()
	m.handlers = Handlers{}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("disconnected")
}

// emit invokes a callback with the handler set unless the manager is closed.
func (m *Manager) emit(fn func(Handlers)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	handlers := m.handlers
	m.mu.Unlock()
	fn(handlers)
}

func (m *Manager) emitModeChanged(mode Mode) {
	m.mu.Lock()
	m.mode = mode
	closed := m.closed
	handlers := m.handlers
	m.mu.Unlock()
	if closed {
		return
	}
	if handlers.ModeChanged != nil {
		handlers.ModeChanged(mode)
	}
}
