package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of audiences the notification pipeline addresses.
type Role string

const (
	RoleCrew     Role = "crew"
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// ParseRole validates a wire role string against the closed set.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleCrew, RoleAdmin, RoleCustomer:
		return role, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Identity binds a connection to an authenticated user. It is attached once,
// at authentication time, and never mutated afterwards.
type Identity struct {
	UserID string
	Role   Role
}

// Verifier resolves a presented token into an identity.
type Verifier interface {
	Verify(token string) (*Identity, error)
}
