package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"tableside/notify/internal/auth"
	"tableside/notify/internal/order"
)

func TestMemoryCompareAndSet(t *testing.T) {
	mem := NewMemory()
	now := time.Unix(1700000000, 0)
	mem.WithClock(func() time.Time { return now })
	mem.Put(order.Snapshot{ID: "o-1", CustomerID: "c-1", Status: order.StatusPending})

	snapshot, err := mem.CompareAndSetStatus(context.Background(), "o-1", order.StatusPending, order.StatusAccepted, "crew-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Status != order.StatusAccepted || !snapshot.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	// A second writer still expecting pending must observe the conflict.
	if _, err := mem.CompareAndSetStatus(context.Background(), "o-1", order.StatusPending, order.StatusAccepted, "crew-2"); !errors.Is(err, order.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := mem.CompareAndSetStatus(context.Background(), "ghost", order.StatusPending, order.StatusAccepted, "crew-1"); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStatusAndParticipants(t *testing.T) {
	mem := NewMemory()
	mem.Put(order.Snapshot{ID: "o-1", CustomerID: "c-9", Status: order.StatusPreparing})

	status, err := mem.Status(context.Background(), "o-1")
	if err != nil || status != order.StatusPreparing {
		t.Fatalf("unexpected status %s err %v", status, err)
	}
	participants, err := mem.Participants(context.Background(), "o-1")
	if err != nil || participants.CustomerID != "c-9" {
		t.Fatalf("unexpected participants %+v err %v", participants, err)
	}
	if _, err := mem.Status(context.Background(), "ghost"); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdatedSince(t *testing.T) {
	mem := NewMemory()
	base := time.Unix(1700000000, 0)
	mem.Put(order.Snapshot{ID: "old", Status: order.StatusDelivered, UpdatedAt: base.Add(-time.Hour)})
	mem.Put(order.Snapshot{ID: "mid", Status: order.StatusReady, UpdatedAt: base.Add(time.Minute)})
	mem.Put(order.Snapshot{ID: "new", Status: order.StatusAccepted, UpdatedAt: base.Add(2 * time.Minute)})

	result, err := mem.UpdatedSince(context.Background(), base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 || result[0].ID != "mid" || result[1].ID != "new" {
		t.Fatalf("expected [mid new] oldest first, got %+v", result)
	}
}

func TestMemoryUsersWithRole(t *testing.T) {
	mem := NewMemory()
	mem.AddUser("crew-1", auth.RoleCrew)
	mem.AddUser("crew-2", auth.RoleCrew)
	mem.AddUser("admin-1", auth.RoleAdmin)

	crew, err := mem.UsersWithRole(context.Background(), auth.RoleCrew)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(crew) != 2 {
		t.Fatalf("expected 2 crew users, got %v", crew)
	}
	customers, err := mem.UsersWithRole(context.Background(), auth.RoleCustomer)
	if err != nil || len(customers) != 0 {
		t.Fatalf("expected no customers, got %v err %v", customers, err)
	}
}
