package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"tableside/notify/internal/auth"
	"tableside/notify/internal/order"
)

// Memory is an in-process Store used by tests and single-node development
// setups. Compare-and-set is serialised by a mutex, giving the same conflict
// surface as the SQL adapter.
type Memory struct {
	mu     sync.Mutex
	orders map[string]order.Snapshot
	roles  map[auth.Role][]string
	now    func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]order.Snapshot),
		roles:  make(map[auth.Role][]string),
		now:    time.Now,
	}
}

// WithClock overrides the store clock for deterministic tests.
func (m *Memory) WithClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.mu.Lock()
	m.now = clock
	m.mu.Unlock()
}

// Put inserts or replaces an order snapshot.
func (m *Memory) Put(snapshot order.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = m.now()
	}
	m.orders[snapshot.ID] = snapshot
}

// AddUser registers a user under the given role for directory lookups.
func (m *Memory) AddUser(userID string, role auth.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role] = append(m.roles[role], userID)
}

// Status returns the current status of the order.
func (m *Memory) Status(_ context.Context, orderID string) (order.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.orders[orderID]
	if !ok {
		return "", order.ErrNotFound
	}
	return snapshot.Status, nil
}

// CompareAndSetStatus atomically advances the order when its stored status
// still equals expected.
func (m *Memory) CompareAndSetStatus(_ context.Context, orderID string, expected, next order.Status, _ string) (*order.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	if snapshot.Status != expected {
		return nil, order.ErrConflict
	}
	snapshot.Status = next
	snapshot.UpdatedAt = m.now()
	m.orders[orderID] = snapshot
	return &snapshot, nil
}

// Participants returns the users tied to the order.
func (m *Memory) Participants(_ context.Context, orderID string) (Participants, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.orders[orderID]
	if !ok {
		return Participants{}, order.ErrNotFound
	}
	return Participants{CustomerID: snapshot.CustomerID}, nil
}

// UpdatedSince lists orders touched after the given instant, oldest first.
func (m *Memory) UpdatedSince(_ context.Context, since time.Time) ([]order.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []order.Snapshot
	for _, snapshot := range m.orders {
		if snapshot.UpdatedAt.After(since) {
			result = append(result, snapshot)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return result, nil
}

// UsersWithRole lists users registered under the role.
func (m *Memory) UsersWithRole(_ context.Context, role auth.Role) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.roles[role]...), nil
}
