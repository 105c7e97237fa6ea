package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tableside/notify/internal/protocol"
)

func newProbeTarget(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestCheckChannelHealthy(t *testing.T) {
	url := newProbeTarget(t, func(conn *websocket.Conn) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil || env.Type != protocol.TypePing {
				continue
			}
			pong, _ := protocol.Encode(protocol.TypePong, protocol.PongPayload{
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}, env.ID)
			_ = conn.WriteMessage(websocket.TextMessage, pong)
		}
	})

	report := NewChecker(2 * time.Second).CheckChannel(context.Background(), url)
	if report.Status != Healthy {
		t.Fatalf("expected healthy, got %s (%s)", report.Status, report.Message)
	}
	if report.RTT <= 0 {
		t.Fatalf("healthy probe must report a round-trip time")
	}
}

func TestCheckChannelUnreachable(t *testing.T) {
	// Nothing listens here; the dial itself must fail.
	report := NewChecker(500 * time.Millisecond).CheckChannel(context.Background(), "ws://127.0.0.1:1/ws")
	if report.Status != Unreachable {
		t.Fatalf("expected unreachable, got %s", report.Status)
	}
	if report.Message == "" {
		t.Fatalf("unreachable report must carry the dial error")
	}
}

func TestCheckChannelNotResponding(t *testing.T) {
	url := newProbeTarget(t, func(conn *websocket.Conn) {
		// Accept the socket but never answer the protocol.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	report := NewChecker(200 * time.Millisecond).CheckChannel(context.Background(), url)
	if report.Status != NotResponding {
		t.Fatalf("expected not_responding, got %s", report.Status)
	}
}

func TestCheckChannelIgnoresUnrelatedFrames(t *testing.T) {
	url := newProbeTarget(t, func(conn *websocket.Conn) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			// Noise before the real answer must not confuse the probe.
			noise, _ := protocol.Encode(protocol.TypeNewOrder, protocol.OrderEventPayload{OrderID: "o-1", Status: "pending", Timestamp: "now"}, "")
			_ = conn.WriteMessage(websocket.TextMessage, noise)
			pong, _ := protocol.Encode(protocol.TypePong, nil, env.ID)
			_ = conn.WriteMessage(websocket.TextMessage, pong)
		}
	})

	report := NewChecker(2 * time.Second).CheckChannel(context.Background(), url)
	if report.Status != Healthy {
		t.Fatalf("expected healthy despite interleaved frames, got %s", report.Status)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Healthy:       "healthy",
		Unreachable:   "unreachable",
		NotResponding: "not_responding",
		Status(99):    "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
