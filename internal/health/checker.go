// Package health implements the out-of-band liveness probe for broadcast
// channels. It is run from the probe CLI or an orchestrator, never on the
// message hot path.
package health

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tableside/notify/internal/protocol"
)

// Status classifies a probed channel.
type Status int

const (
	// Healthy means the channel answered a ping within the deadline.
	Healthy Status = iota
	// Unreachable means the endpoint refused or timed out the dial; the port
	// is closed or the process is gone.
	Unreachable
	// NotResponding means the socket opened but the protocol did not answer;
	// the process is up but wedged.
	NotResponding
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unreachable:
		return "unreachable"
	case NotResponding:
		return "not_responding"
	default:
		return "unknown"
	}
}

// Report is the outcome of probing one channel.
type Report struct {
	URL     string
	Status  Status
	RTT     time.Duration
	Message string
}

// DefaultDeadline bounds the full probe round trip.
const DefaultDeadline = 5 * time.Second

// Checker opens a short-lived connection per probe and round-trips a ping.
type Checker struct {
	dialer   *websocket.Dialer
	deadline time.Duration
	now      func() time.Time
}

// NewChecker constructs a checker with the given round-trip deadline.
func NewChecker(deadline time.Duration) *Checker {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Checker{
		dialer: &websocket.Dialer{
			HandshakeTimeout: deadline,
		},
		deadline: deadline,
		now:      time.Now,
	}
}

// CheckChannel probes the websocket endpoint at url, distinguishing a closed
// port from a live socket that stopped speaking the protocol.
func (c *Checker) CheckChannel(ctx context.Context, url string) Report {
	report := Report{URL: url}
	start := c.now()

	dialCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		report.Status = Unreachable
		report.Message = err.Error()
		return report
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	pingID := uuid.NewString()
	frame, err := protocol.Encode(protocol.TypePing, nil, pingID)
	if err != nil {
		report.Status = NotResponding
		report.Message = err.Error()
		return report
	}
	deadline := c.now().Add(c.deadline)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		report.Status = NotResponding
		report.Message = err.Error()
		return report
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			report.Status = NotResponding
			report.Message = err.Error()
			return report
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		if env.Type == protocol.TypePong && env.ID == pingID {
			report.Status = Healthy
			report.RTT = c.now().Sub(start)
			return report
		}
	}
}
