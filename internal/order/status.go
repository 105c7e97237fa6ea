package order

import (
	"fmt"
	"strings"
	"time"
)

// Status enumerates the order lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// transitions is the closed forward-edge table. Cancellation from any
// non-terminal state is handled separately in CanTransition.
var transitions = map[Status]Status{
	StatusPending:   StatusAccepted,
	StatusAccepted:  StatusPreparing,
	StatusPreparing: StatusReady,
	StatusReady:     StatusDelivered,
}

// ParseStatus validates a wire status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusAccepted, StatusPreparing, StatusReady, StatusDelivered, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransition reports whether next is reachable from current in one step.
func CanTransition(current, next Status) bool {
	if current.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	return transitions[current] == next
}

// Snapshot is the read model the pipeline exchanges with the order store.
type Snapshot struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Status     Status    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}
