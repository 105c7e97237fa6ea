package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tableside/notify/internal/order"
	"tableside/notify/internal/protocol"
)

// newChannelServer runs a fake broadcast channel. The handler receives each
// upgraded connection; it is re-invoked when the client reconnects.
func newChannelServer(t *testing.T, handler func(conn *websocket.Conn)) string {
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

// acceptAuth reads the authenticate envelope and confirms it.
func acceptAuth(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	env, err := protocol.Decode(raw)
	if err != nil || env.Type != protocol.TypeAuthenticate {
		t.Errorf("expected authenticate first, got %v %v", env, err)
		return
	}
	frame, _ := protocol.Encode(protocol.TypeAuthenticateOK, protocol.AuthenticatedPayload{UserID: "u-1", Role: "crew"}, env.ID)
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

func TestQueueBoundDropsOldest(t *testing.T) {
	overflow := make(chan error, 4)
	m := New(Options{
		URL:          "ws://localhost:0",
		MaxQueueSize: 2,
		Handlers: Handlers{
			Error: func(err error) { overflow <- err },
		},
	})
	t.Cleanup(m.Disconnect)

	for i := 0; i < 3; i++ {
		if _, err := m.SendStatusUpdate("o-1", order.StatusAccepted); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if depth := m.QueueDepth(); depth != 2 {
		t.Fatalf("expected queue depth 2, got %d", depth)
	}
	select {
	case err := <-overflow:
		if !errors.Is(err, ErrQueueOverflow) {
			t.Fatalf("expected ErrQueueOverflow, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("overflow must be reported")
	}
}

func TestQueuedEnvelopesReplayInOrderAfterAuth(t *testing.T) {
	received := make(chan *protocol.Envelope, 8)
	url := newChannelServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			received <- env
			// Ack immediately so the client does not retry.
			ack, _ := protocol.Encode(protocol.TypeOrderStatusChanged, protocol.OrderEventPayload{
				OrderID:   "o-1",
				Status:    "accepted",
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}, env.ID)
			_ = conn.WriteMessage(websocket.TextMessage, ack)
		}
	})

	m := New(Options{URL: url, MaxQueueSize: 2, MessageTimeout: time.Minute})
	t.Cleanup(m.Disconnect)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.SendStatusUpdate("o-1", order.StatusAccepted)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, id)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Only the two newest envelopes survived the bounded queue, and they must
	// arrive in submission order.
	for _, want := range ids[1:] {
		select {
		case env := <-received:
			if env.ID != want {
				t.Fatalf("expected id %s, got %s", want, env.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("queued envelope %s never arrived", want)
		}
	}
	select {
	case env := <-received:
		t.Fatalf("evicted envelope must not be sent, got %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnacknowledgedEnvelopeRetriesThenDrops(t *testing.T) {
	received := make(chan string, 16)
	url := newChannelServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(raw); err == nil {
				// Never acknowledge; the client must retry and eventually drop.
				received <- env.ID
			}
		}
	})

	failures := make(chan error, 4)
	m := New(Options{
		URL:            url,
		MessageTimeout: 40 * time.Millisecond,
		Handlers: Handlers{
			Error: func(err error) { failures <- err },
		},
	})
	t.Cleanup(m.Disconnect)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, m, StateAuthenticated)

	id, err := m.SendStatusUpdate("o-1", order.StatusAccepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Initial send plus three retries.
	for attempt := 0; attempt < 4; attempt++ {
		select {
		case got := <-received:
			if got != id {
				t.Fatalf("attempt %d carried id %s, want %s", attempt, got, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d never arrived", attempt)
		}
	}

	select {
	case err := <-failures:
		if !errors.Is(err, ErrAckTimeout) {
			t.Fatalf("expected ErrAckTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drop must be reported")
	}

	select {
	case <-received:
		t.Fatalf("envelope must not be retried past the cap")
	case <-time.After(200 * time.Millisecond):
	}
	if m.PendingAcks() != 0 {
		t.Fatalf("dropped envelope must not stay pending")
	}
}

func TestInboundEventsUpdateCacheAndSettleAcks(t *testing.T) {
	url := newChannelServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil || env.Type != protocol.TypeStatusUpdate {
				continue
			}
			ack, _ := protocol.Encode(protocol.TypeOrderStatusChanged, protocol.OrderEventPayload{
				OrderID:    "o-1",
				CustomerID: "c-1",
				Status:     "accepted",
				ChangedBy:  "u-1",
				Timestamp:  time.Unix(1700000000, 0).UTC().Format(time.RFC3339Nano),
			}, env.ID)
			_ = conn.WriteMessage(websocket.TextMessage, ack)
		}
	})

	changed := make(chan order.Snapshot, 4)
	m := New(Options{
		URL:            url,
		MessageTimeout: time.Minute,
		Handlers: Handlers{
			StatusChanged: func(snapshot order.Snapshot) { changed <- snapshot },
		},
	})
	t.Cleanup(m.Disconnect)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, m, StateAuthenticated)

	if _, err := m.SendStatusUpdate("o-1", order.StatusAccepted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case snapshot := <-changed:
		if snapshot.ID != "o-1" || snapshot.Status != order.StatusAccepted {
			t.Fatalf("unexpected snapshot: %+v", snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("status change never surfaced")
	}

	waitFor(t, func() bool { return m.PendingAcks() == 0 }, "ack must settle")
	if cached, ok := m.Order("o-1"); !ok || cached.Status != order.StatusAccepted {
		t.Fatalf("cache not updated: %+v ok=%v", cached, ok)
	}
}

func TestConnectSharesInflightAttempt(t *testing.T) {
	url := newChannelServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	m := New(Options{URL: url})
	t.Cleanup(m.Disconnect)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- m.Connect(context.Background()) }()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("connect: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("connect never resolved")
		}
	}
	// A third call on the open channel returns immediately.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("idempotent connect: %v", err)
	}
}

func TestDisconnectStopsCallbacks(t *testing.T) {
	url := newChannelServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	events := make(chan string, 4)
	m := New(Options{
		URL: url,
		Handlers: Handlers{
			Authenticated: func(string, string) { events <- "authenticated" },
		},
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, m, StateAuthenticated)

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected state")
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Disconnect, got %v", err)
	}
	if _, err := m.SendStatusUpdate("o-1", order.StatusAccepted); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Disconnect, got %v", err)
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	waitFor(t, func() bool { return m.State() == want }, "state "+want.String())
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
