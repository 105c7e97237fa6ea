package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tableside/notify/internal/auth"
	"tableside/notify/internal/logging"
	"tableside/notify/internal/metrics"
	"tableside/notify/internal/order"
	"tableside/notify/internal/store"
)

// ChannelStatus reports one broadcast channel for readiness and metrics.
type ChannelStatus struct {
	Name          string
	Clients       int
	Authenticated int
	Counters      metrics.Snapshot
}

// StatusFunc returns the current per-channel statistics.
type StatusFunc func() []ChannelStatus

// Broadcaster fans an order event out to the realtime audience. The polling
// surface pushes successful writes through the same fan-out as the websocket
// path so both converge on identical client state.
type Broadcaster interface {
	BroadcastStatusChanged(snapshot order.Snapshot, actorID string)
}

// RateLimiter gates how frequently each actor's status writes may be
// accepted.
type RateLimiter interface {
	Allow(actor string) bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Status      StatusFunc
	StartupErr  func() error
	Started     time.Time
	Store       store.Store
	Machine     *order.Machine
	Broadcaster Broadcaster
	Auth        RequestAuthenticator
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the operational and polling-fallback handlers.
type HandlerSet struct {
	logger      *logging.Logger
	status      StatusFunc
	startupErr  func() error
	started     time.Time
	store       store.Store
	machine     *order.Machine
	broadcaster Broadcaster
	auth        RequestAuthenticator
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		status:      opts.Status,
		startupErr:  opts.StartupErr,
		started:     opts.Started,
		store:       opts.Store,
		machine:     opts.Machine,
		broadcaster: opts.Broadcaster,
		auth:        opts.Auth,
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("GET /orders", h.OrdersSinceHandler())
	mux.HandleFunc("POST /orders/{id}/status", h.StatusWriteHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness across the broadcast channels, including
// connection counts and the known crew roster size from the role directory.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type channel struct {
		Name          string `json:"name"`
		Clients       int    `json:"clients"`
		Authenticated int    `json:"authenticated"`
	}
	type response struct {
		Status        string    `json:"status"`
		Message       string    `json:"message,omitempty"`
		UptimeSeconds float64   `json:"uptime_seconds"`
		Channels      []channel `json:"channels,omitempty"`
		CrewUsers     int       `json:"crew_users,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if !h.started.IsZero() {
			resp.UptimeSeconds = h.now().Sub(h.started).Seconds()
		}
		if h.status != nil {
			for _, ch := range h.status() {
				resp.Channels = append(resp.Channels, channel{
					Name:          ch.Name,
					Clients:       ch.Clients,
					Authenticated: ch.Authenticated,
				})
			}
		}
		if h.store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			if crew, err := h.store.UsersWithRole(ctx, auth.RoleCrew); err == nil {
				resp.CrewUsers = len(crew)
			}
			cancel()
		}
		if h.startupErr != nil {
			if err := h.startupErr(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		uptime := 0.0
		if !h.started.IsZero() {
			uptime = h.now().Sub(h.started).Seconds()
		}
		fmt.Fprintf(w, "# HELP notify_uptime_seconds Notifier uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE notify_uptime_seconds gauge\n")
		fmt.Fprintf(w, "notify_uptime_seconds %.0f\n", uptime)

		if h.status == nil {
			return
		}
		channels := h.status()

		fmt.Fprintf(w, "# HELP notify_clients Current connected WebSocket clients per channel.\n")
		fmt.Fprintf(w, "# TYPE notify_clients gauge\n")
		for _, ch := range channels {
			fmt.Fprintf(w, "notify_clients{channel=%q} %d\n", ch.Name, ch.Clients)
		}
		fmt.Fprintf(w, "# HELP notify_authenticated_clients Authenticated WebSocket clients per channel.\n")
		fmt.Fprintf(w, "# TYPE notify_authenticated_clients gauge\n")
		for _, ch := range channels {
			fmt.Fprintf(w, "notify_authenticated_clients{channel=%q} %d\n", ch.Name, ch.Authenticated)
		}
		fmt.Fprintf(w, "# HELP notify_broadcasts_total Total fan-outs per channel.\n")
		fmt.Fprintf(w, "# TYPE notify_broadcasts_total counter\n")
		for _, ch := range channels {
			fmt.Fprintf(w, "notify_broadcasts_total{channel=%q} %d\n", ch.Name, ch.Counters.Broadcasts)
		}
		fmt.Fprintf(w, "# HELP notify_sends_total Total event deliveries per channel.\n")
		fmt.Fprintf(w, "# TYPE notify_sends_total counter\n")
		for _, ch := range channels {
			fmt.Fprintf(w, "notify_sends_total{channel=%q} %d\n", ch.Name, ch.Counters.Sends)
		}
		fmt.Fprintf(w, "# HELP notify_send_failures_total Failed event deliveries per channel.\n")
		fmt.Fprintf(w, "# TYPE notify_send_failures_total counter\n")
		for _, ch := range channels {
			fmt.Fprintf(w, "notify_send_failures_total{channel=%q} %d\n", ch.Name, ch.Counters.SendFailures)
		}
		fmt.Fprintf(w, "# HELP notify_reaped_connections_total Connections reaped by the heartbeat sweep per channel.\n")
		fmt.Fprintf(w, "# TYPE notify_reaped_connections_total counter\n")
		for _, ch := range channels {
			fmt.Fprintf(w, "notify_reaped_connections_total{channel=%q} %d\n", ch.Name, ch.Counters.Reaped)
		}
	}
}

// OrdersSinceHandler serves the polling fallback: orders updated after the
// given instant, scoped to the caller's role.
func (h *HandlerSet) OrdersSinceHandler() http.HandlerFunc {
	type response struct {
		Success   bool             `json:"success"`
		Timestamp string           `json:"timestamp"`
		Orders    []order.Snapshot `json:"orders"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := h.authenticated(w, r)
		if !ok {
			return
		}
		if h.store == nil {
			http.Error(w, "order store unavailable", http.StatusServiceUnavailable)
			return
		}
		since := time.Time{}
		if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
				return
			}
			since = parsed
		}
		snapshots, err := h.store.UpdatedSince(r.Context(), since)
		if err != nil {
			logging.LoggerFromContext(r.Context()).Error("poll query failed", logging.Error(err))
			http.Error(w, "order store query failed", http.StatusInternalServerError)
			return
		}
		if identity.Role == auth.RoleCustomer {
			kept := snapshots[:0]
			for _, snapshot := range snapshots {
				if snapshot.CustomerID == identity.UserID {
					kept = append(kept, snapshot)
				}
			}
			snapshots = kept
		}
		if snapshots == nil {
			snapshots = []order.Snapshot{}
		}
		writeJSON(w, http.StatusOK, response{
			Success:   true,
			Timestamp: h.now().UTC().Format(time.RFC3339),
			Orders:    snapshots,
		})
	}
}

// StatusWriteHandler applies a status transition through the state machine and
// fans the result out to the realtime audience.
func (h *HandlerSet) StatusWriteHandler() http.HandlerFunc {
	type request struct {
		Status string `json:"status"`
	}
	type response struct {
		Success   bool   `json:"success"`
		NewStatus string `json:"new_status,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("handler", "status_write"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		identity, ok := h.authenticated(w, r)
		if !ok {
			return
		}
		if identity.Role == auth.RoleCustomer {
			http.Error(w, "crew or admin role required", http.StatusForbidden)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow(identity.UserID) {
			reqLogger.Warn("status write denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.machine == nil {
			http.Error(w, "state machine unavailable", http.StatusServiceUnavailable)
			return
		}
		orderID := r.PathValue("id")
		var body request
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, response{Error: "invalid request body"})
			return
		}
		next, err := order.ParseStatus(body.Status)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, response{Error: err.Error()})
			return
		}
		snapshot, err := h.machine.ApplyTransition(r.Context(), orderID, next, identity.UserID)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, order.ErrNotFound):
				status = http.StatusNotFound
			case errors.Is(err, order.ErrInvalidTransition):
				status = http.StatusUnprocessableEntity
			case errors.Is(err, order.ErrConflict):
				status = http.StatusConflict
			default:
				reqLogger.Error("status write failed", logging.Error(err), logging.String("order_id", orderID))
			}
			writeJSON(w, status, response{Error: err.Error()})
			return
		}
		if h.broadcaster != nil {
			h.broadcaster.BroadcastStatusChanged(*snapshot, identity.UserID)
		}
		reqLogger.Info("status write applied",
			logging.String("order_id", orderID),
			logging.String("status", string(snapshot.Status)))
		writeJSON(w, http.StatusOK, response{Success: true, NewStatus: string(snapshot.Status)})
	}
}

func (h *HandlerSet) authenticated(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	if h.auth == nil {
		http.Error(w, "authentication not configured", http.StatusServiceUnavailable)
		return nil, false
	}
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
