package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	linkIssuer     = "remotecache-gateway"
	linkQueryParam = "token"
)

var errLinksDisabled = errors.New("artifact links disabled: no signing key")

// linkClaims authorize one method on one artifact without a bearer token.
type linkClaims struct {
	Scope  string `json:"scope"`
	Hash   string `json:"hash"`
	Method string `json:"method"`
	jwt.RegisteredClaims
}

// linkSigner issues and verifies service-routed artifact URLs.
type linkSigner struct {
	key       []byte
	publicURL string
	now       func() time.Time
}

func newLinkSigner(key, publicURL string) *linkSigner {
	return &linkSigner{
		key:       []byte(key),
		publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		now:       time.Now,
	}
}

func (l *linkSigner) enabled() bool {
	return l != nil && len(l.key) > 0
}

func (l *linkSigner) sign(scope, hash, method string, expiry time.Duration) (string, error) {
	if !l.enabled() {
		return "", errLinksDisabled
	}
	now := l.now()
	claims := &linkClaims{
		Scope:  scope,
		Hash:   hash,
		Method: method,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.key)
	if err != nil {
		return "", fmt.Errorf("sign link: %w", err)
	}
	return signed, nil
}

func (l *linkSigner) verify(token string) (*linkClaims, error) {
	if !l.enabled() {
		return nil, errLinksDisabled
	}
	claims := &linkClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return l.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid link: %w", err)
	}
	if !parsed.Valid || claims.Scope == "" || claims.Hash == "" || claims.Method == "" {
		return nil, errors.New("invalid link claims")
	}
	return claims, nil
}

// allows reports whether the link grants method on hash. A GET link also
// covers HEAD.
func (c *linkClaims) allows(method, hash string) bool {
	if c.Hash != hash {
		return false
	}
	if method == http.MethodHead {
		method = http.MethodGet
	}
	return c.Method == method
}

// url builds "{base}/v8/artifacts/{hash}?token=...".
func (l *linkSigner) url(r *http.Request, scope, hash, method string, expiry time.Duration) (string, error) {
	token, err := l.sign(scope, hash, method, expiry)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set(linkQueryParam, token)
	return l.baseURL(r) + "/v8/artifacts/" + url.PathEscape(hash) + "?" + q.Encode(), nil
}

func (l *linkSigner) baseURL(r *http.Request) string {
	if l.publicURL != "" {
		return l.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
