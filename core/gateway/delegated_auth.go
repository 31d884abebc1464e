package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/logging"
)

const maxIdentityResponseBytes = 64 << 10

// DelegatedAuthorizer forwards the caller's token to an identity service and
// takes the scope from the team it reports.
type DelegatedAuthorizer struct {
	endpoint string
	client   *http.Client
}

type identityResponse struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Name     string `json:"name"`
	} `json:"user"`
	Team struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"team"`
}

// NewDelegatedAuthorizer calls endpoint with the bearer token for every
// request. A nil client uses http.DefaultClient.
func NewDelegatedAuthorizer(endpoint string, client *http.Client) (*DelegatedAuthorizer, error) {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if endpoint == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("identity service url %q is not absolute", endpoint)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &DelegatedAuthorizer{endpoint: endpoint, client: client}, nil
}

// Authorize rejects non-2xx identity responses as unauthorized. Transport
// failures are reported as an unavailable backend so callers can retry.
func (a *DelegatedAuthorizer) Authorize(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, backend.Unavailable("identity", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxIdentityResponseBytes))
		return nil, ErrUnauthorized
	}

	var ident identityResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIdentityResponseBytes)).Decode(&ident); err != nil {
		logging.Warn("auth", "identity response decode failed", "error", err)
		return nil, errors.Join(ErrUnauthorized, err)
	}
	if strings.TrimSpace(ident.Team.ID) == "" {
		logging.Warn("auth", "identity response without team", "user", ident.User.ID)
		return nil, ErrUnauthorized
	}
	return &Principal{
		Scope:    ident.Team.ID,
		UserID:   ident.User.ID,
		Username: ident.User.Username,
		Email:    ident.User.Email,
		Name:     ident.User.Name,
		TeamSlug: ident.Team.Slug,
		TeamName: ident.Team.Name,
		Method:   "delegated",
	}, nil
}
