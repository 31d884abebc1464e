package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cordum/remotecache/core/infra/config"
)

// ErrUnauthorized is returned by authorizers when a credential is missing,
// malformed or rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the identity resolved for one request. Scope partitions every
// artifact and event the request touches.
type Principal struct {
	Scope    string
	UserID   string
	Username string
	Email    string
	Name     string
	TeamSlug string
	TeamName string
	// Method names the authorizer that produced the principal.
	Method string
}

// Authorizer resolves a bearer token into a Principal or ErrUnauthorized.
// Implementations must be safe for concurrent use.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*Principal, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, token string) (*Principal, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// NewAuthorizer builds the authorizer selected by cfg.Mode.
func NewAuthorizer(cfg config.AuthConfig) (Authorizer, error) {
	switch cfg.Mode {
	case config.AuthSharedSecret:
		return NewSharedSecretAuthorizer(cfg.SharedSecret, cfg.DefaultScope)
	case config.AuthDelegated:
		return NewDelegatedAuthorizer(cfg.IdentityURL, &http.Client{Timeout: cfg.IdentityTimeout})
	case config.AuthJWT:
		return NewJWTAuthorizer(cfg)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

type principalContextKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

func principalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	if raw := ctx.Value(principalContextKey{}); raw != nil {
		if p, ok := raw.(*Principal); ok {
			return p
		}
	}
	return nil
}

func principalFromRequest(r *http.Request) *Principal {
	if r == nil {
		return nil
	}
	return principalFromContext(r.Context())
}

// bearerToken extracts the credential from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(raw) < len("bearer ") || !strings.EqualFold(raw[:len("bearer ")], "bearer ") {
		return ""
	}
	token := strings.TrimSpace(raw[len("bearer "):])
	// Common .env mistake: quoting values.
	return strings.TrimSpace(strings.Trim(token, "\"'"))
}
