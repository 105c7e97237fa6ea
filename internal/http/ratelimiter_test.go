package httpapi

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiterPerActor(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewSlidingWindowLimiter(time.Second, 2, func() time.Time { return now })

	if !limiter.Allow("crew-1") || !limiter.Allow("crew-1") {
		t.Fatalf("first two events must pass")
	}
	if limiter.Allow("crew-1") {
		t.Fatalf("third event inside the window must be denied")
	}
	// Another actor has its own budget.
	if !limiter.Allow("crew-2") {
		t.Fatalf("a different actor must not share the exhausted budget")
	}

	now = now.Add(1100 * time.Millisecond)
	if !limiter.Allow("crew-1") {
		t.Fatalf("budget must refill once the window slides past")
	}
}

func TestSlidingWindowLimiterDisabled(t *testing.T) {
	limiter := NewSlidingWindowLimiter(0, 0, nil)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("anyone") {
			t.Fatalf("disabled limiter must always allow")
		}
	}
	var nilLimiter *SlidingWindowLimiter
	if !nilLimiter.Allow("anyone") {
		t.Fatalf("nil limiter must always allow")
	}
}

func TestSlidingWindowLimiterSweepsIdleActors(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewSlidingWindowLimiter(time.Second, 5, func() time.Time { return now })

	limiter.Allow("gone-soon")
	now = now.Add(5 * time.Second)
	limiter.Allow("active")

	limiter.mu.Lock()
	_, kept := limiter.buckets["gone-soon"]
	limiter.mu.Unlock()
	if kept {
		t.Fatalf("idle actor bucket must be swept")
	}
}
