package order

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedStore lets tests pin the current status and the CAS outcome.
type scriptedStore struct {
	status    Status
	statusErr error
	casErr    error
	casCalls  int
	lastNext  Status
	lastActor string
}

func (s *scriptedStore) Status(context.Context, string) (Status, error) {
	return s.status, s.statusErr
}

func (s *scriptedStore) CompareAndSetStatus(_ context.Context, orderID string, _, next Status, actorID string) (*Snapshot, error) {
	s.casCalls++
	s.lastNext = next
	s.lastActor = actorID
	if s.casErr != nil {
		return nil, s.casErr
	}
	return &Snapshot{ID: orderID, Status: next, UpdatedAt: time.Unix(1700000000, 0)}, nil
}

func TestApplyTransitionAdvancesOrder(t *testing.T) {
	store := &scriptedStore{status: StatusPending}
	machine := NewMachine(store)

	snapshot, err := machine.ApplyTransition(context.Background(), "o-1", StatusAccepted, "crew-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", snapshot.Status)
	}
	if store.lastActor != "crew-7" {
		t.Fatalf("actor not forwarded to store, got %q", store.lastActor)
	}
}

func TestApplyTransitionRejectsInvalidEdge(t *testing.T) {
	store := &scriptedStore{status: StatusPending}
	machine := NewMachine(store)

	if _, err := machine.ApplyTransition(context.Background(), "o-1", StatusReady, "crew-7"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if store.casCalls != 0 {
		t.Fatalf("store must not be written for an invalid edge")
	}
}

func TestApplyTransitionSurfacesMissingOrder(t *testing.T) {
	machine := NewMachine(&scriptedStore{statusErr: ErrNotFound})
	if _, err := machine.ApplyTransition(context.Background(), "ghost", StatusAccepted, "crew-7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyTransitionSurfacesConflictWithoutRetry(t *testing.T) {
	store := &scriptedStore{status: StatusPending, casErr: ErrConflict}
	machine := NewMachine(store)

	if _, err := machine.ApplyTransition(context.Background(), "o-1", StatusAccepted, "crew-7"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if store.casCalls != 1 {
		t.Fatalf("conflict must not be retried, saw %d CAS calls", store.casCalls)
	}
}

func TestApplyTransitionAllowsCancellationMidFlight(t *testing.T) {
	store := &scriptedStore{status: StatusPreparing}
	machine := NewMachine(store)

	snapshot, err := machine.ApplyTransition(context.Background(), "o-1", StatusCancelled, "admin-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", snapshot.Status)
	}
}
