// Package metrics tracks broadcast counters for the operational endpoints.
package metrics

import "sync"

// Snapshot is a point-in-time copy of the counters, safe for handlers to
// iterate without holding the collector lock.
type Snapshot struct {
	Broadcasts   int64
	Sends        int64
	SendFailures int64
	Reaped       int64
}

// Collector accumulates fan-out statistics for one broadcast server.
type Collector struct {
	mu           sync.Mutex
	broadcasts   int64
	sends        int64
	sendFailures int64
	reaped       int64
}

// NewCollector constructs an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// ObserveBroadcast records one fan-out with its delivered and failed send counts.
func (c *Collector) ObserveBroadcast(delivered, failed int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.broadcasts++
	c.sends += int64(delivered)
	c.sendFailures += int64(failed)
	c.mu.Unlock()
}

// ObserveReaped records connections removed by the heartbeat sweep.
func (c *Collector) ObserveReaped(count int) {
	if c == nil || count <= 0 {
		return
	}
	c.mu.Lock()
	c.reaped += int64(count)
	c.mu.Unlock()
}

// Snapshot copies the counters so metrics handlers can render them safely.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Broadcasts:   c.broadcasts,
		Sends:        c.sends,
		SendFailures: c.sendFailures,
		Reaped:       c.reaped,
	}
}
