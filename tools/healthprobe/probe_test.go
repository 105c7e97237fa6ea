package healthprobe

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestProbeClassifiesDeadEndpoint(t *testing.T) {
	results := Probe(context.Background(), []string{"ws://127.0.0.1:1/ws"}, 300*time.Millisecond)
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if results[0].Status != "unreachable" {
		t.Fatalf("expected unreachable, got %s", results[0].Status)
	}
	if AllHealthy(results) {
		t.Fatalf("unreachable endpoint must fail the aggregate check")
	}
}

func TestAllHealthy(t *testing.T) {
	healthy := []Result{{URL: "ws://a/ws", Status: "healthy"}, {URL: "ws://b/ws", Status: "healthy"}}
	if !AllHealthy(healthy) {
		t.Fatalf("all-healthy set must pass")
	}
	mixed := append(healthy, Result{URL: "ws://c/ws", Status: "not_responding"})
	if AllHealthy(mixed) {
		t.Fatalf("mixed set must fail")
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	WriteText(&buf, []Result{
		{URL: "ws://a/ws", Status: "healthy", RTTms: 12},
		{URL: "ws://b/ws", Status: "unreachable", Detail: "connection refused"},
	})
	out := buf.String()
	if !strings.Contains(out, "ws://a/ws\thealthy\t12ms") {
		t.Fatalf("healthy line missing: %s", out)
	}
	if !strings.Contains(out, "ws://b/ws\tunreachable\tconnection refused") {
		t.Fatalf("failure line missing: %s", out)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, []Result{{URL: "ws://a/ws", Status: "healthy", RTTms: 3}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"status": "healthy"`) {
		t.Fatalf("unexpected JSON: %s", buf.String())
	}
}
