package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a per-actor event budget within a rolling
// window. Status writes are gated by the acting user, so one hot poller
// cannot starve everyone else's updates.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events
// per actor per window. A non-positive window or limit disables the limiter.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		window:  window,
		limit:   limit,
		now:     timeSource,
		buckets: make(map[string][]time.Time),
	}
}

// Allow reports whether the actor may proceed under its current budget.
func (l *SlidingWindowLimiter) Allow(actor string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.buckets[actor][:0]
	for _, ts := range l.buckets[actor] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.buckets[actor] = kept
		return false
	}
	l.buckets[actor] = append(kept, now)

	// Idle actors accumulate otherwise; sweep emptied buckets while the lock
	// is already held.
	for key, events := range l.buckets {
		if key == actor || len(events) == 0 {
			continue
		}
		if !events[len(events)-1].After(cutoff) {
			delete(l.buckets, key)
		}
	}
	return true
}
