package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// SharedSecretAuthorizer accepts exactly one configured token and maps every
// caller onto a fixed scope.
type SharedSecretAuthorizer struct {
	secret []byte
	scope  string
}

func NewSharedSecretAuthorizer(secret, scope string) (*SharedSecretAuthorizer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("shared secret required")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("default scope required")
	}
	return &SharedSecretAuthorizer{secret: []byte(secret), scope: scope}, nil
}

func (a *SharedSecretAuthorizer) Authorize(_ context.Context, token string) (*Principal, error) {
	if token == "" || subtle.ConstantTimeCompare([]byte(token), a.secret) != 1 {
		return nil, ErrUnauthorized
	}
	return &Principal{
		Scope:    a.scope,
		TeamSlug: a.scope,
		Method:   "shared-secret",
	}, nil
}
