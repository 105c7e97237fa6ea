package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tableside/notify/internal/auth"
)

// RequestAuthenticator resolves the identity behind a polling-surface request.
type RequestAuthenticator interface {
	Authenticate(r *http.Request) (*auth.Identity, error)
}

type tokenAuthenticator struct {
	verifier auth.Verifier
}

// NewTokenAuthenticator authenticates requests using the same token verifier
// the realtime channels use, so a client in polling fallback presents the
// credential it already holds.
func NewTokenAuthenticator(verifier auth.Verifier) (RequestAuthenticator, error) {
	if verifier == nil {
		return nil, errors.New("verifier must be provided")
	}
	return &tokenAuthenticator{verifier: verifier}, nil
}

// Authenticate extracts the bearer token and verifies it.
func (a *tokenAuthenticator) Authenticate(r *http.Request) (*auth.Identity, error) {
	if a == nil || a.verifier == nil {
		return nil, errors.New("verifier not configured")
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("auth_token"))
	}
	if token == "" {
		return nil, errors.New("missing auth token")
	}
	return a.verifier.Verify(token)
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
