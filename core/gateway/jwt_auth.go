package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/remotecache/core/infra/config"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthorizer verifies HS256 bearer tokens issued by an external party and
// reads the scope from a configurable claim.
type JWTAuthorizer struct {
	secret     []byte
	scopeClaim string
	parser     *jwt.Parser
}

func NewJWTAuthorizer(cfg config.AuthConfig) (*JWTAuthorizer, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("jwt secret required")
	}
	claim := strings.TrimSpace(cfg.JWTScopeClaim)
	if claim == "" {
		return nil, errors.New("jwt scope claim required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}
	return &JWTAuthorizer{
		secret:     []byte(cfg.JWTSecret),
		scopeClaim: claim,
		parser:     jwt.NewParser(opts...),
	}, nil
}

func (a *JWTAuthorizer) Authorize(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims := jwt.MapClaims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	scope, _ := claims[a.scopeClaim].(string)
	if strings.TrimSpace(scope) == "" {
		return nil, ErrUnauthorized
	}
	sub, _ := claims.GetSubject()
	p := &Principal{
		Scope:    scope,
		UserID:   sub,
		TeamSlug: scope,
		Method:   "jwt",
	}
	if v, ok := claims["teamSlug"].(string); ok && v != "" {
		p.TeamSlug = v
	}
	p.Username, _ = claims["username"].(string)
	p.Email, _ = claims["email"].(string)
	p.Name, _ = claims["name"].(string)
	return p, nil
}
