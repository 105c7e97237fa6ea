package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tableside/notify/internal/logging"
	"tableside/notify/internal/order"
	"tableside/notify/internal/protocol"
)

const writeWait = 10 * time.Second

// queuedEnvelope is an outbound frame waiting for an authenticated channel.
// retries carries over when an unacknowledged envelope is requeued so the
// retry cap holds across reconnects.
type queuedEnvelope struct {
	id      string
	frame   []byte
	retries int
}

// pendingAck tracks one sent envelope until the server echoes its id.
type pendingAck struct {
	entry queuedEnvelope
	timer *time.Timer
}

// SendStatusUpdate requests an order transition and returns the correlation
// id the acknowledgment will carry. The envelope is queued if the channel is
// not authenticated yet.
func (m *Manager) SendStatusUpdate(orderID string, status order.Status) (string, error) {
	id := uuid.NewString()
	frame, err := protocol.Encode(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{
		OrderID: orderID,
		Status:  string(status),
	}, id)
	if err != nil {
		return "", err
	}
	if err := m.enqueue(queuedEnvelope{id: id, frame: frame}); err != nil {
		return "", err
	}
	return id, nil
}

// SubscribeOrders asks the server to include this connection in the sender's
// per-order audience.
func (m *Manager) SubscribeOrders() error {
	frame, err := protocol.Encode(protocol.TypeSubscribeOrders, nil, "")
	if err != nil {
		return err
	}
	return m.enqueue(queuedEnvelope{frame: frame})
}

// Ping round-trips a correlated ping. The pong settles like any other ack.
func (m *Manager) Ping() (string, error) {
	id := uuid.NewString()
	frame, err := protocol.Encode(protocol.TypePing, nil, id)
	if err != nil {
		return "", err
	}
	if err := m.enqueue(queuedEnvelope{id: id, frame: frame}); err != nil {
		return "", err
	}
	return id, nil
}

// enqueue writes the envelope immediately on an authenticated channel, or
// parks it in the bounded queue otherwise. When the queue is full the oldest
// entry is evicted and reported through the error handler.
func (m *Manager) enqueue(entry queuedEnvelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateAuthenticated && m.conn != nil {
		err := m.writeLocked(entry)
		m.mu.Unlock()
		return err
	}
	var dropped *queuedEnvelope
	if len(m.queue) >= m.opts.MaxQueueSize {
		evicted := m.queue[0]
		dropped = &evicted
		m.queue = append(m.queue[:0], m.queue[1:]...)
	}
	m.queue = append(m.queue, entry)
	depth := len(m.queue)
	m.mu.Unlock()

	if dropped != nil {
		m.logger.Warn("outbound queue full, dropped oldest envelope",
			logging.String("dropped_id", dropped.id),
			logging.Int("depth", depth))
		m.emit(func(h Handlers) {
			if h.Error != nil {
				h.Error(fmt.Errorf("%w: dropped envelope %s", ErrQueueOverflow, dropped.id))
			}
		})
	}
	return nil
}

// writeLocked pushes one frame onto the socket and arms its ack timer.
// Callers hold m.mu.
func (m *Manager) writeLocked(entry queuedEnvelope) error {
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, entry.frame); err != nil {
		// The read loop will observe the broken socket and drive the
		// reconnect cycle; park the envelope at the head of the queue so a
		// later replay keeps the original submission order.
		m.queue = append([]queuedEnvelope{entry}, m.queue...)
		return err
	}
	if entry.id != "" {
		m.trackAckLocked(entry)
	}
	return nil
}

// flushQueueLocked replays queued envelopes in order once the channel is
// authenticated. Callers hold m.mu.
func (m *Manager) flushQueueLocked() {
	for len(m.queue) > 0 && m.state == StateAuthenticated && m.conn != nil {
		entry := m.queue[0]
		m.queue = append(m.queue[:0], m.queue[1:]...)
		if err := m.writeLocked(entry); err != nil {
			return
		}
	}
}

func (m *Manager) trackAckLocked(entry queuedEnvelope) {
	if existing, ok := m.pending[entry.id]; ok {
		existing.timer.Stop()
	}
	ack := &pendingAck{entry: entry}
	ack.timer = time.AfterFunc(m.opts.MessageTimeout, func() { m.ackTimedOut(entry.id) })
	m.pending[entry.id] = ack
}

// settleAck marks the envelope acknowledged and stops its retry timer.
func (m *Manager) settleAck(id string) {
	m.mu.Lock()
	ack, ok := m.pending[id]
	if ok {
		ack.timer.Stop()
		delete(m.pending, id)
	}
	m.mu.Unlock()
}

// dropAck abandons the envelope without retrying, used when the server
// rejected it outright.
func (m *Manager) dropAck(id string) {
	m.settleAck(id)
}

// ackTimedOut retries an unacknowledged envelope until the cap, then drops it
// and reports the failure.
func (m *Manager) ackTimedOut(id string) {
	m.mu.Lock()
	ack, ok := m.pending[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	entry := ack.entry
	if entry.retries >= maxSendRetries {
		m.mu.Unlock()
		m.logger.Warn("envelope dropped after retries",
			logging.String("id", id),
			logging.Int("retries", entry.retries))
		m.emit(func(h Handlers) {
			if h.Error != nil {
				h.Error(fmt.Errorf("%w: envelope %s after %d retries", ErrAckTimeout, id, entry.retries))
			}
		})
		return
	}
	entry.retries++
	if m.state == StateAuthenticated && m.conn != nil {
		_ = m.writeLocked(entry)
	} else {
		m.queue = append(m.queue, entry)
	}
	retries := entry.retries
	m.mu.Unlock()
	m.logger.Debug("retrying unacknowledged envelope",
		logging.String("id", id),
		logging.Int("attempt", retries))
}

// QueueDepth reports how many envelopes are waiting for the channel.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// PendingAcks reports how many sent envelopes are awaiting acknowledgment.
func (m *Manager) PendingAcks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
