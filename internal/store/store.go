// Package store defines the order-store collaborator the notification
// pipeline reads from and writes through. The pipeline never buffers or
// batches writes; atomicity of the compare-and-set lives entirely here.
package store

import (
	"context"
	"time"

	"tableside/notify/internal/auth"
	"tableside/notify/internal/order"
)

// Participants identifies the users interested in one order beyond the
// role-wide audiences.
type Participants struct {
	CustomerID string
}

// Store is the full collaborator surface. The state machine consumes the
// embedded order.Store slice; the polling surface and role directory use the
// rest.
type Store interface {
	order.Store

	Participants(ctx context.Context, orderID string) (Participants, error)
	UpdatedSince(ctx context.Context, since time.Time) ([]order.Snapshot, error)
	UsersWithRole(ctx context.Context, role auth.Role) ([]string, error)
}
