// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package auth

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Brute-force guard defaults, matching the shipped configuration: attempts
// refresh after ten seconds, and the guard is disabled when MaxAttempts <= 0.
const (
	DefaultMaxAttempts   = 5
	DefaultAttemptWindow = 10 * time.Second
	DefaultCooldown      = 2 * time.Minute
)

// GuardConfig configures the brute-force guard.
type GuardConfig struct {
	// MaxAttempts is the number of failed attempts within Window that
	// triggers a cooldown. Zero or negative disables the guard.
	MaxAttempts int

	// Window is the sliding window over which failures are counted.
	Window time.Duration

	// Cooldown is how long an offending (identity, address bucket) key is
	// rejected after tripping the guard, absent further failures.
	Cooldown time.Duration

	// AddressRate throttles join and registration attempts per address
	// bucket, independent of failure counting. Zero disables.
	AddressRate  rate.Limit
	AddressBurst int
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.Window <= 0 {
		c.Window = DefaultAttemptWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.AddressBurst <= 0 {
		c.AddressBurst = 1
	}
	return c
}

// attemptKey buckets failures by identity and network-address bucket, so an
// attacker rotating names from one subnet and one attacking one account from
// many addresses both trip the guard.
type attemptKey struct {
	identity Identity
	bucket   string
}

type attemptEntry struct {
	failures   []time.Time
	cooldownAt time.Time // zero unless the guard tripped
}

// Guard is the brute-force guard: a sliding-window failure counter per
// (identity, address bucket) with a cooldown, plus an optional token-bucket
// throttle per address bucket. All methods are safe for concurrent use.
type Guard struct {
	cfg GuardConfig

	mu      sync.Mutex
	entries map[attemptKey]*attemptEntry
	byAddr  map[string]*rate.Limiter
}

// NewGuard creates a guard with the given configuration.
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{
		cfg:     cfg.withDefaults(),
		entries: make(map[attemptKey]*attemptEntry),
		byAddr:  make(map[string]*rate.Limiter),
	}
}

// AddressBucket reduces an address to its rate-limiting bucket: /24 for
// IPv4, /48 for IPv6, the address itself when unparseable.
func AddressBucket(address string) string {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}

// AllowAttempt reports whether a login or registration attempt may proceed
// for the identity and address. It does not record anything; call
// RecordFailure or RecordSuccess with the outcome.
func (g *Guard) AllowAttempt(identity Identity, address string, at time.Time) (bool, time.Duration) {
	bucket := AddressBucket(address)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.AddressRate > 0 {
		lim, ok := g.byAddr[bucket]
		if !ok {
			lim = rate.NewLimiter(g.cfg.AddressRate, g.cfg.AddressBurst)
			g.byAddr[bucket] = lim
		}
		if !lim.AllowN(at, 1) {
			return false, time.Second
		}
	}

	if g.cfg.MaxAttempts <= 0 {
		return true, 0
	}

	entry, ok := g.entries[attemptKey{identity: identity, bucket: bucket}]
	if !ok {
		return true, 0
	}
	if !entry.cooldownAt.IsZero() {
		if at.Before(entry.cooldownAt) {
			return false, entry.cooldownAt.Sub(at)
		}
		// Cooldown elapsed with no further failures; forget the key.
		delete(g.entries, attemptKey{identity: identity, bucket: bucket})
	}
	return true, 0
}

// RecordFailure counts a failed attempt. Returns true with the cooldown
// remaining when this failure trips the guard.
func (g *Guard) RecordFailure(identity Identity, address string, at time.Time) (bool, time.Duration) {
	if g.cfg.MaxAttempts <= 0 {
		return false, 0
	}
	key := attemptKey{identity: identity, bucket: AddressBucket(address)}

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if !ok {
		entry = &attemptEntry{}
		g.entries[key] = entry
	}

	// Slide the window.
	cutoff := at.Add(-g.cfg.Window)
	kept := entry.failures[:0]
	for _, t := range entry.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.failures = append(kept, at)

	if len(entry.failures) >= g.cfg.MaxAttempts {
		entry.cooldownAt = at.Add(g.cfg.Cooldown)
		entry.failures = entry.failures[:0]
		return true, g.cfg.Cooldown
	}
	return false, 0
}

// RecordSuccess clears the failure state for the identity and address.
func (g *Guard) RecordSuccess(identity Identity, address string) {
	key := attemptKey{identity: identity, bucket: AddressBucket(address)}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
}

// Sweep drops expired entries and idle per-address limiters. Called
// periodically by the owner; not required for correctness.
func (g *Guard) Sweep(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := at.Add(-g.cfg.Window)
	for key, entry := range g.entries {
		if !entry.cooldownAt.IsZero() && at.After(entry.cooldownAt) {
			delete(g.entries, key)
			continue
		}
		live := false
		for _, t := range entry.failures {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live && entry.cooldownAt.IsZero() {
			delete(g.entries, key)
		}
	}
	for bucket, lim := range g.byAddr {
		if lim.TokensAt(at) >= float64(g.cfg.AddressBurst) {
			delete(g.byAddr, bucket)
		}
	}
}
