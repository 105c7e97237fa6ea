// Package registry tracks live realtime connections and their authenticated
// identities. Connections are held in an arena keyed by an opaque handle;
// callers never hold references to each other's connections, only handles.
package registry

import (
	"errors"
	"sync"
	"time"

	"tableside/notify/internal/auth"
)

// Sink is the write side of a live connection. Deliver must not block
// indefinitely; implementations are expected to fail fast when the peer
// cannot keep up.
type Sink interface {
	Deliver(payload []byte) error
	Close() error
}

// Entry is a point-in-time view of a registered connection, safe to hold
// across concurrent attach/detach activity.
type Entry struct {
	ID         uint64
	Identity   auth.Identity
	Subscribed bool
	Sink       Sink
}

type connState struct {
	id            uint64
	sink          Sink
	identity      *auth.Identity
	subscribed    bool
	lastHeartbeat time.Time
}

// ErrUnknownConnection signals an operation on a handle that is not attached.
var ErrUnknownConnection = errors.New("unknown connection")

// Registry owns the connection arena for one broadcast server.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]*connState
	// order preserves attach order so fan-out iterates deterministically.
	order []uint64
	now   func() time.Time
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[uint64]*connState),
		now:   time.Now,
	}
}

// WithClock overrides the registry clock for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) {
	if r == nil || clock == nil {
		return
	}
	r.mu.Lock()
	r.now = clock
	r.mu.Unlock()
}

// Attach registers a new unauthenticated connection and returns its handle.
func (r *Registry) Attach(sink Sink) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.conns[id] = &connState{id: id, sink: sink, lastHeartbeat: r.now()}
	r.order = append(r.order, id)
	return id
}

// Detach removes the connection from the arena. It reports whether the handle
// was attached, and is safe to call during fan-out over a snapshot.
func (r *Registry) Detach(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Authenticate binds an identity to the connection. The identity is immutable
// once set; re-authentication of a live connection is rejected.
func (r *Registry) Authenticate(id uint64, identity auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	if state.identity != nil {
		return errors.New("connection already authenticated")
	}
	bound := identity
	state.identity = &bound
	state.lastHeartbeat = r.now()
	return nil
}

// Identity returns the identity bound to the handle, if any.
func (r *Registry) Identity(id uint64) (auth.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[id]
	if !ok || state.identity == nil {
		return auth.Identity{}, false
	}
	return *state.identity, true
}

// MarkSubscribed flags the connection as wanting its user's order stream.
func (r *Registry) MarkSubscribed(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	if state.identity == nil {
		return errors.New("connection not authenticated")
	}
	state.subscribed = true
	return nil
}

// Touch refreshes the connection heartbeat. Every inbound message counts.
func (r *Registry) Touch(id uint64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.conns[id]; ok {
		state.lastHeartbeat = at
	}
}

// ByRole returns a snapshot of authenticated connections holding the role, in
// attach order. The snapshot is detached from the arena so a send callback
// may detach members mid-iteration without affecting the remaining entries.
func (r *Registry) ByRole(role auth.Role) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []Entry
	for _, id := range r.order {
		state := r.conns[id]
		if state == nil || state.identity == nil || state.identity.Role != role {
			continue
		}
		entries = append(entries, snapshotLocked(state))
	}
	return entries
}

// ByUser returns a snapshot of authenticated connections belonging to the
// user, in attach order.
func (r *Registry) ByUser(userID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []Entry
	for _, id := range r.order {
		state := r.conns[id]
		if state == nil || state.identity == nil || state.identity.UserID != userID {
			continue
		}
		entries = append(entries, snapshotLocked(state))
	}
	return entries
}

func snapshotLocked(state *connState) Entry {
	entry := Entry{ID: state.id, Subscribed: state.subscribed, Sink: state.sink}
	if state.identity != nil {
		entry.Identity = *state.identity
	}
	return entry
}

// SweepStale detaches and closes every connection whose heartbeat is older
// than timeout, returning the reaped handles. This bounds registry growth
// when peers vanish without a clean close.
func (r *Registry) SweepStale(now time.Time, timeout time.Duration) []uint64 {
	r.mu.Lock()
	var stale []Entry
	for _, id := range r.order {
		state := r.conns[id]
		if state == nil {
			continue
		}
		if now.Sub(state.lastHeartbeat) > timeout {
			stale = append(stale, snapshotLocked(state))
		}
	}
	reaped := make([]uint64, 0, len(stale))
	for _, entry := range stale {
		delete(r.conns, entry.ID)
		reaped = append(reaped, entry.ID)
	}
	if len(reaped) > 0 {
		kept := r.order[:0]
		for _, id := range r.order {
			if _, ok := r.conns[id]; ok {
				kept = append(kept, id)
			}
		}
		r.order = kept
	}
	r.mu.Unlock()

	// Close outside the lock so slow closes cannot stall attach/detach.
	for _, entry := range stale {
		if entry.Sink != nil {
			_ = entry.Sink.Close()
		}
	}
	return reaped
}

// Len reports the total and authenticated connection counts.
func (r *Registry) Len() (total, authenticated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.conns)
	for _, state := range r.conns {
		if state.identity != nil {
			authenticated++
		}
	}
	return total, authenticated
}
