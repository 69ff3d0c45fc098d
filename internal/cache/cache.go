// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package cache provides a bounded read-through cache in front of the
// profile repository, absorbing read pressure from repeated join attempts.
// The cache holds no authority: writes pass through to the backend and
// invalidate, never refresh, the cached entry.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/limbogate/limbogate/internal/auth"
)

// Default cache bounds.
const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 5 * time.Minute
)

// Option configures the cache.
type Option func(*config)

type config struct {
	maxEntries int
	ttl        time.Duration
	hits       prometheus.Counter
	misses     prometheus.Counter
	now        func() time.Time
}

// WithMaxEntries bounds the entry count.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithTTL sets the per-entry time-to-live.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithMetrics sets hit/miss counters.
func WithMetrics(hits, misses prometheus.Counter) Option {
	return func(c *config) {
		c.hits = hits
		c.misses = misses
	}
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

type entry struct {
	profile    *auth.Profile
	expiresAt  time.Time
	lastAccess time.Time
}

type inflight struct {
	done    chan struct{}
	profile *auth.Profile
	err     error
}

// ProfileCache implements auth.ProfileRepository by delegating to a backing
// repository with cached reads. Concurrent misses for the same identity are
// coalesced into one backend load; no lock is held across a storage
// round-trip.
type ProfileCache struct {
	repo auth.ProfileRepository
	cfg  config

	mu      sync.Mutex
	entries map[auth.Identity]*entry
	byName  map[string]auth.Identity
	loads   map[auth.Identity]*inflight
}

// New creates a ProfileCache over the backing repository.
func New(repo auth.ProfileRepository, opts ...Option) *ProfileCache {
	cfg := config{
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &ProfileCache{
		repo:    repo,
		cfg:     cfg,
		entries: make(map[auth.Identity]*entry),
		byName:  make(map[string]auth.Identity),
		loads:   make(map[auth.Identity]*inflight),
	}
	return c
}

// Get returns the cached profile or loads it from the backend.
func (c *ProfileCache) Get(ctx context.Context, identity auth.Identity) (*auth.Profile, error) {
	now := c.cfg.now()

	c.mu.Lock()
	if e, ok := c.entries[identity]; ok && now.Before(e.expiresAt) {
		e.lastAccess = now
		p := cloneProfile(e.profile)
		c.mu.Unlock()
		c.hit()
		return p, nil
	}

	// Miss. Join an in-progress load for this identity if one exists.
	if load, ok := c.loads[identity]; ok {
		c.mu.Unlock()
		select {
		case <-load.done:
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck // context cancellation passthrough
		}
		if load.err != nil {
			return nil, load.err
		}
		return cloneProfile(load.profile), nil
	}

	load := &inflight{done: make(chan struct{})}
	c.loads[identity] = load
	c.mu.Unlock()
	c.miss()

	profile, err := c.repo.Get(ctx, identity)

	c.mu.Lock()
	delete(c.loads, identity)
	if err == nil {
		c.insertLocked(profile, c.cfg.now())
	}
	c.mu.Unlock()

	load.profile = profile
	load.err = err
	close(load.done)

	if err != nil {
		return nil, err
	}
	return cloneProfile(profile), nil
}

// GetByName returns the profile for a display name, consulting the cache's
// name index before falling through to the backend.
func (c *ProfileCache) GetByName(ctx context.Context, name string) (*auth.Profile, error) {
	key := auth.NormalizeName(name)
	now := c.cfg.now()

	c.mu.Lock()
	if identity, ok := c.byName[key]; ok {
		if e, ok := c.entries[identity]; ok && now.Before(e.expiresAt) {
			e.lastAccess = now
			p := cloneProfile(e.profile)
			c.mu.Unlock()
			c.hit()
			return p, nil
		}
	}
	c.mu.Unlock()
	c.miss()

	profile, err := c.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.insertLocked(profile, c.cfg.now())
	c.mu.Unlock()
	return cloneProfile(profile), nil
}

// Create passes through to the backend. Nothing is cached until read; the
// insert may still lose a duplicate-identity race elsewhere and a cached
// copy would then be wrong.
func (c *ProfileCache) Create(ctx context.Context, profile *auth.Profile) error {
	return c.repo.Create(ctx, profile) //nolint:wrapcheck // passthrough
}

// Update passes through and invalidates the entry on success, so a
// concurrent reader repopulates from the backend instead of a stale copy.
func (c *ProfileCache) Update(ctx context.Context, profile *auth.Profile) error {
	err := c.repo.Update(ctx, profile)
	if err == nil {
		c.Invalidate(profile.Identity)
	}
	return err //nolint:wrapcheck // passthrough
}

// CountByAddress passes through; counts are never cached.
func (c *ProfileCache) CountByAddress(ctx context.Context, address string) (int, error) {
	return c.repo.CountByAddress(ctx, address) //nolint:wrapcheck // passthrough
}

// ResetCredentials passes through and invalidates.
func (c *ProfileCache) ResetCredentials(ctx context.Context, identity auth.Identity) error {
	err := c.repo.ResetCredentials(ctx, identity)
	if err == nil {
		c.Invalidate(identity)
	}
	return err //nolint:wrapcheck // passthrough
}

// Delete passes through and invalidates.
func (c *ProfileCache) Delete(ctx context.Context, identity auth.Identity) error {
	err := c.repo.Delete(ctx, identity)
	if err == nil {
		c.Invalidate(identity)
	}
	return err //nolint:wrapcheck // passthrough
}

// Invalidate drops the cached entry for an identity.
func (c *ProfileCache) Invalidate(identity auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[identity]; ok {
		delete(c.byName, auth.NormalizeName(e.profile.Name))
		delete(c.entries, identity)
	}
}

// Len returns the current entry count.
func (c *ProfileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// insertLocked stores a profile, evicting the least-recently-used entry when
// the cache is full. Caller holds the lock.
func (c *ProfileCache) insertLocked(profile *auth.Profile, now time.Time) {
	if _, ok := c.entries[profile.Identity]; !ok && len(c.entries) >= c.cfg.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[profile.Identity] = &entry{
		profile:    cloneProfile(profile),
		expiresAt:  now.Add(c.cfg.ttl),
		lastAccess: now,
	}
	c.byName[auth.NormalizeName(profile.Name)] = profile.Identity
}

func (c *ProfileCache) evictOldestLocked() {
	var (
		oldest   auth.Identity
		oldestAt time.Time
		found    bool
	)
	for identity, e := range c.entries {
		if !found || e.lastAccess.Before(oldestAt) {
			oldest = identity
			oldestAt = e.lastAccess
			found = true
		}
	}
	if found {
		if e := c.entries[oldest]; e != nil {
			delete(c.byName, auth.NormalizeName(e.profile.Name))
		}
		delete(c.entries, oldest)
	}
}

func (c *ProfileCache) hit() {
	if c.cfg.hits != nil {
		c.cfg.hits.Inc()
	}
}

func (c *ProfileCache) miss() {
	if c.cfg.misses != nil {
		c.cfg.misses.Inc()
	}
}

// cloneProfile copies a profile so cached state is never mutated through a
// returned pointer.
func cloneProfile(p *auth.Profile) *auth.Profile {
	if p == nil {
		return nil
	}
	clone := *p
	if p.LinkedNames != nil {
		clone.LinkedNames = make([]auth.LinkedName, len(p.LinkedNames))
		copy(clone.LinkedNames, p.LinkedNames)
	}
	return &clone
}

// Compile-time interface check.
var _ auth.ProfileRepository = (*ProfileCache)(nil)
