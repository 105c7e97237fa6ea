package order

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownStatus signals a status string outside the lifecycle set.
	ErrUnknownStatus = errors.New("unknown order status")
	// ErrInvalidTransition signals a (current, next) pair outside the table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound signals the store has no order under the requested id.
	ErrNotFound = errors.New("order not found")
	// ErrConflict signals a concurrent transition already advanced the order.
	ErrConflict = errors.New("conflicting order update")
)

// Store is the slice of the order store the state machine depends on. The
// store owns atomicity: CompareAndSetStatus must only apply the write when the
// stored status still equals expected, returning ErrConflict otherwise.
type Store interface {
	Status(ctx context.Context, orderID string) (Status, error)
	CompareAndSetStatus(ctx context.Context, orderID string, expected, next Status, actorID string) (*Snapshot, error)
}

// Machine validates and applies order status transitions.
type Machine struct {
	store Store
}

// NewMachine constructs a Machine over the supplied store.
func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

// ApplyTransition moves the order to next after validating the edge against
// the transition table. Conflicts are surfaced, never retried, so concurrent
// double-processing stays visible to the caller.
func (m *Machine) ApplyTransition(ctx context.Context, orderID string, next Status, actorID string) (*Snapshot, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("machine not configured")
	}
	current, err := m.store.Status(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	snapshot, err := m.store.CompareAndSetStatus(ctx, orderID, current, next, actorID)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}
