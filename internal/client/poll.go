package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"tableside/notify/internal/logging"
	"tableside/notify/internal/order"
)

// pollResponse mirrors the ops surface's order listing shape.
type pollResponse struct {
	Success   bool             `json:"success"`
	Timestamp string           `json:"timestamp"`
	Orders    []order.Snapshot `json:"orders"`
}

// startPollingLocked spins up the HTTP fallback loop if it is not already
// running and a poll endpoint is configured. Callers hold m.mu; the returned
// flag tells them to fire the mode-change callback after unlocking.
func (m *Manager) startPollingLocked() bool {
	if m.pollCancel != nil || m.opts.PollURL == "" {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.pollCancel = cancel
	go m.pollLoop(ctx)
	return true
}

// stopPollingLocked cancels the fallback loop. Callers hold m.mu; the
// returned flag reports whether polling was active.
func (m *Manager) stopPollingLocked() bool {
	if m.pollCancel == nil {
		return false
	}
	m.pollCancel()
	m.pollCancel = nil
	return true
}

// pollLoop pulls order state at the configured interval. Transient errors
// back off briefly; persistent errors degrade to the slow fallback interval
// instead of hammering a down endpoint.
func (m *Manager) pollLoop(ctx context.Context) {
	m.logger.Info("polling fallback active", logging.String("url", m.opts.PollURL))
	interval := m.opts.PollInterval
	errCount := 0
	for {
		if err := m.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			errCount++
			m.logger.Warn("poll failed", logging.Error(err), logging.Int("consecutive", errCount))
			if errCount <= maxPollErrorRetries {
				interval = m.opts.PollErrorBackoff
			} else {
				if errCount == maxPollErrorRetries+1 {
					m.emit(func(h Handlers) {
						if h.Error != nil {
							h.Error(fmt.Errorf("polling degraded: %w", err))
						}
					})
				}
				interval = DefaultFallbackPollInterval
			}
		} else {
			errCount = 0
			interval = m.opts.PollInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// pollOnce fetches orders updated since the last sync and folds them into the
// local cache, firing the same callbacks a realtime event would.
func (m *Manager) pollOnce(ctx context.Context) error {
	target := m.opts.PollURL
	m.mu.Lock()
	since := m.lastSync
	m.mu.Unlock()
	if !since.IsZero() {
		query := url.Values{"since": {since.UTC().Format(time.RFC3339)}}
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.opts.Token)
	resp, err := m.opts.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll endpoint returned %s", resp.Status)
	}

	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}
	if !body.Success {
		return fmt.Errorf("poll endpoint reported failure")
	}

	type change struct {
		snapshot order.Snapshot
		fresh    bool
	}
	var changes []change
	m.mu.Lock()
	for _, snapshot := range body.Orders {
		cached, seen := m.orders[snapshot.ID]
		if seen && cached.Status == snapshot.Status {
			continue
		}
		m.orders[snapshot.ID] = snapshot
		changes = append(changes, change{snapshot: snapshot, fresh: !seen})
	}
	if stamp, err := time.Parse(time.RFC3339Nano, body.Timestamp); err == nil {
		m.lastSync = stamp
	}
	m.mu.Unlock()

	for _, c := range changes {
		snapshot := c.snapshot
		fresh := c.fresh
		m.emit(func(h Handlers) {
			if fresh {
				if h.NewOrder != nil {
					h.NewOrder(snapshot)
				}
				return
			}
			if h.StatusChanged != nil {
				h.StatusChanged(snapshot)
			}
		})
	}
	return nil
}
