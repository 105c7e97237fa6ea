package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tableside/notify/internal/order"
)

func TestPollOnceAppliesOrders(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	var sinceSeen []string
	var tokenSeen string
	responses := []pollResponse{
		{
			Success:   true,
			Timestamp: base.Format(time.RFC3339Nano),
			Orders: []order.Snapshot{
				{ID: "o-1", CustomerID: "c-1", Status: order.StatusPending, UpdatedAt: base},
			},
		},
		{
			Success:   true,
			Timestamp: base.Add(time.Minute).Format(time.RFC3339Nano),
			Orders: []order.Snapshot{
				{ID: "o-1", CustomerID: "c-1", Status: order.StatusAccepted, UpdatedAt: base.Add(time.Minute)},
			},
		},
	}
	call := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sinceSeen = append(sinceSeen, r.URL.Query().Get("since"))
		tokenSeen = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(responses[call])
		if call < len(responses)-1 {
			call++
		}
	}))
	t.Cleanup(server.Close)

	fresh := make(chan order.Snapshot, 4)
	changed := make(chan order.Snapshot, 4)
	m := New(Options{
		URL:     "ws://localhost:0",
		Token:   "tok-1",
		PollURL: server.URL,
		Handlers: Handlers{
			NewOrder:      func(snapshot order.Snapshot) { fresh <- snapshot },
			StatusChanged: func(snapshot order.Snapshot) { changed <- snapshot },
		},
	})
	t.Cleanup(m.Disconnect)

	if err := m.pollOnce(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	select {
	case snapshot := <-fresh:
		if snapshot.ID != "o-1" || snapshot.Status != order.StatusPending {
			t.Fatalf("unexpected snapshot: %+v", snapshot)
		}
	default:
		t.Fatalf("unseen order must surface through NewOrder")
	}
	if tokenSeen != "Bearer tok-1" {
		t.Fatalf("poll must carry the bearer token, got %q", tokenSeen)
	}
	if sinceSeen[0] != "" {
		t.Fatalf("first poll must not filter, got since=%q", sinceSeen[0])
	}

	if err := m.pollOnce(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	select {
	case snapshot := <-changed:
		if snapshot.Status != order.StatusAccepted {
			t.Fatalf("unexpected snapshot: %+v", snapshot)
		}
	default:
		t.Fatalf("status change must surface through StatusChanged")
	}
	if sinceSeen[1] == "" {
		t.Fatalf("second poll must carry the last sync instant")
	}

	// An unchanged order stays silent.
	if err := m.pollOnce(context.Background()); err != nil {
		t.Fatalf("third poll: %v", err)
	}
	select {
	case snapshot := <-changed:
		t.Fatalf("unchanged order must not re-fire: %+v", snapshot)
	default:
	}
}

func TestPollOnceSurfacesEndpointFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	m := New(Options{URL: "ws://localhost:0", PollURL: server.URL})
	t.Cleanup(m.Disconnect)

	if err := m.pollOnce(context.Background()); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}

func TestReconnectExhaustionFallsBackToPolling(t *testing.T) {
	polled := make(chan struct{}, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case polled <- struct{}{}:
		default:
		}
		_ = json.NewEncoder(w).Encode(pollResponse{Success: true, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	}))
	t.Cleanup(server.Close)

	modes := make(chan Mode, 8)
	m := New(Options{
		// Nothing listens on this address, so every dial fails fast.
		URL:                  "ws://127.0.0.1:1",
		PollURL:              server.URL,
		ConnectTimeout:       100 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		Handlers: Handlers{
			ModeChanged: func(mode Mode) { modes <- mode },
		},
	})
	t.Cleanup(m.Disconnect)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial failure")
	}

	select {
	case mode := <-modes:
		if mode != ModePolling {
			t.Fatalf("expected polling mode, got %v", mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("polling fallback never engaged")
	}
	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatalf("poll loop never reached the endpoint")
	}

	// The budget is spent; the manager must stay in polling mode.
	waitFor(t, func() bool { return m.Mode() == ModePolling && m.State() == StateDisconnected }, "stable polling mode")
}
