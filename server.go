package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tableside/notify/internal/auth"
	"tableside/notify/internal/config"
	"tableside/notify/internal/logging"
	"tableside/notify/internal/metrics"
	"tableside/notify/internal/order"
	"tableside/notify/internal/registry"
	"tableside/notify/internal/store"
)

const (
	// sendBuffer is the per-connection outbound queue depth. A peer that lets
	// it fill is considered too slow and is disconnected.
	sendBuffer = 64
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
)

// Server is one logical broadcast channel. The process runs one Server per
// notification domain (orders, payments), each with its own listener,
// registry and counters.
type Server struct {
	name     string
	cfg      *config.Config
	logger   *logging.Logger
	registry *registry.Registry
	machine  *order.Machine
	store    store.Store
	verifier auth.Verifier
	metrics  *metrics.Collector
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer constructs a broadcast server for the named channel.
func NewServer(name string, cfg *config.Config, logger *logging.Logger, st store.Store, machine *order.Machine, verifier auth.Verifier) *Server {
	srv := &Server{
		name:     name,
		cfg:      cfg,
		logger:   logger.With(logging.String("channel", name)),
		registry: registry.New(),
		machine:  machine,
		store:    st,
		verifier: verifier,
		metrics:  metrics.NewCollector(),
		now:      time.Now,
	}
	srv.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return srv
}

// Counters exposes the channel's broadcast statistics.
func (s *Server) Counters() metrics.Snapshot { return s.metrics.Snapshot() }

// ClientCounts reports total and authenticated connections.
func (s *Server) ClientCounts() (total, authenticated int) { return s.registry.Len() }

// Run drives the heartbeat sweep until the context is cancelled. Connections
// silent for longer than the configured timeout are reaped regardless of
// whether a clean close ever arrives.
func (s *Server) Run(ctx context.Context) {
	interval := s.cfg.HeartbeatTimeout / 2
	if interval <= 0 {
		interval = config.DefaultHeartbeatTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped := s.registry.SweepStale(s.now(), s.cfg.HeartbeatTimeout)
			if len(reaped) > 0 {
				s.metrics.ObserveReaped(len(reaped))
				s.logger.Info("reaped stale connections", logging.Int("count", len(reaped)))
			}
		}
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxClients > 0 {
		if total, _ := s.registry.Len(); total >= s.cfg.MaxClients {
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	session := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	session.handle = s.registry.Attach(session)
	s.logger.Debug("connection attached",
		logging.Uint64("conn_id", session.handle),
		logging.String("remote_addr", r.RemoteAddr))

	go session.writePump()
	go session.readPump()
}

// wsSession binds a websocket connection to its registry handle and implements
// registry.Sink for fan-out delivery.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	handle uint64
	send   chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Deliver queues a payload for the writer goroutine. Delivery is best effort:
// a full queue fails the send and closes the session rather than blocking the
// broadcaster, and delivery to an already closed session fails without
// touching the channel. Deliver and Close are reachable concurrently (the
// heartbeat sweep, the intake consumer and other sessions' broadcasts all
// hold the same sink), so the send channel is never closed.
func (c *wsSession) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("session closed")
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.closeLocked()
		return errors.New("send buffer full")
	}
}

// Close marks the session closed exactly once and wakes the writer goroutine,
// which finishes the websocket close handshake.
func (c *wsSession) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *wsSession) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *wsSession) readPump() {
	s := c.server
	defer func() {
		s.registry.Detach(c.handle)
		_ = c.Close()
		_ = c.conn.Close()
		s.logger.Debug("connection detached", logging.Uint64("conn_id", c.handle))
	}()

	c.conn.SetReadLimit(s.cfg.MaxPayloadBytes)
	_ = c.conn.SetReadDeadline(s.now().Add(s.cfg.HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		s.registry.Touch(c.handle, s.now())
		return c.conn.SetReadDeadline(s.now().Add(s.cfg.HeartbeatTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", logging.Uint64("conn_id", c.handle), logging.Error(err))
			}
			return
		}
		s.registry.Touch(c.handle, s.now())
		_ = c.conn.SetReadDeadline(s.now().Add(s.cfg.HeartbeatTimeout))
		s.dispatch(c, raw)
	}
}

func (c *wsSession) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			// Flush frames queued before the close, then say goodbye.
			for {
				select {
				case payload := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
