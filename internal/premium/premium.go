// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package premium resolves whether an account name belongs to a paid
// upstream account and, if so, its canonical identity.
package premium

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
)

// Result is a premium lookup outcome.
type Result struct {
	// Premium reports whether the name maps to a paid account.
	Premium bool

	// Identity is the canonical premium identity. Zero when not premium.
	Identity auth.Identity

	// Name is the account's canonical casing as reported upstream.
	// Empty when not premium.
	Name string
}

// Resolver answers premium lookups by account name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Result, error)
}

// DefaultEndpoint is the session-service profile lookup URL.
const DefaultEndpoint = "https://api.mojang.com/users/profiles/minecraft/"

// DefaultTimeout bounds a single upstream lookup.
const DefaultTimeout = 5 * time.Second

// HTTPResolver resolves premium status against the session service. A 200
// response carries the canonical identity; 204 and 404 mean the name is
// unclaimed. Anything else is a lookup failure the caller decides how to
// degrade on.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

var _ Resolver = (*HTTPResolver)(nil)

// Option configures an HTTPResolver.
type Option func(*HTTPResolver)

// WithEndpoint overrides the lookup URL prefix.
func WithEndpoint(endpoint string) Option {
	return func(r *HTTPResolver) { r.endpoint = endpoint }
}

// WithClient overrides the HTTP client.
func WithClient(client *http.Client) Option {
	return func(r *HTTPResolver) { r.client = client }
}

// NewHTTPResolver builds a resolver against the session service.
func NewHTTPResolver(logger *slog.Logger, opts ...Option) *HTTPResolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &HTTPResolver{
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, name string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+url.PathEscape(name), nil)
	if err != nil {
		return Result{}, oops.Code("PREMIUM_LOOKUP_FAILED").With("name", name).Wrap(err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, oops.Code("PREMIUM_LOOKUP_FAILED").With("name", name).Wrap(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return parseProfile(resp.Body, name)
	case http.StatusNoContent, http.StatusNotFound:
		return Result{}, nil
	case http.StatusTooManyRequests:
		return Result{}, oops.Code("PREMIUM_RATE_LIMITED").With("name", name).
			Errorf("session service rate limited the lookup")
	default:
		return Result{}, oops.Code("PREMIUM_LOOKUP_FAILED").
			With("name", name).
			With("status", resp.StatusCode).
			Errorf("unexpected session service status")
	}
}

func parseProfile(body io.Reader, name string) (Result, error) {
	var payload struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return Result{}, oops.Code("PREMIUM_LOOKUP_FAILED").With("name", name).Wrap(err)
	}
	id, err := uuid.Parse(payload.ID)
	if err != nil {
		return Result{}, oops.Code("PREMIUM_LOOKUP_FAILED").
			With("name", name).
			With("id", payload.ID).
			Wrap(err)
	}
	return Result{
		Premium:  true,
		Identity: auth.Identity(id),
		Name:     payload.Name,
	}, nil
}
