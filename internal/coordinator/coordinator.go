// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
)

// Defaults for the coordination protocol. ClaimTimeout is the explicit
// availability trade-off: how long a new claim waits for the prior holder
// to confirm revocation before proceeding, tolerating a duplicate-session
// window of at most that length when the prior instance is unresponsive.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTTL      = 15 * time.Second
	DefaultClaimTimeout      = 3 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
)

// sessionTokenBytes is the claim token length (32 bytes = 64 hex chars).
const sessionTokenBytes = 32

// Config tunes the coordinator.
type Config struct {
	// InstanceID uniquely names this proxy/backend process.
	InstanceID string

	// HeartbeatInterval is how often held claims are refreshed.
	HeartbeatInterval time.Duration

	// HeartbeatTTL is how stale a heartbeat may be before the holding
	// instance is treated as dead. Must exceed HeartbeatInterval.
	HeartbeatTTL time.Duration

	// ClaimTimeout bounds the wait for the prior holder's revocation ack.
	ClaimTimeout time.Duration

	// PollInterval is the revocation-watch and ack-poll cadence.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Notifier is an optional pub/sub fast path for revocation notices. The
// shared store remains authoritative; a lost notice is caught by polling.
type Notifier interface {
	// PublishRevoke announces that newInstance claimed the identity.
	PublishRevoke(ctx context.Context, identity auth.Identity, newInstance string) error

	// Notices returns the stream of revocation notices published by other
	// instances. The channel closes when ctx is cancelled.
	Notices(ctx context.Context) (<-chan RevokeNotice, error)
}

// RevokeNotice is a revocation announcement.
type RevokeNotice struct {
	Identity    auth.Identity
	NewInstance string
}

// RevokeFunc terminates the local session for an identity whose authority
// was lost. Called from coordinator goroutines; must not block.
type RevokeFunc func(identity auth.Identity, reason string)

// Coordinator owns this instance's side of the authoritative-session
// protocol. One logical task claims per connecting player; background
// loops refresh heartbeats and watch for revocations.
type Coordinator struct {
	store    ClaimStore
	cfg      Config
	notifier Notifier
	revoke   RevokeFunc
	logger   *slog.Logger

	mu    sync.Mutex
	local map[auth.Identity]string // identity -> claim token held locally

	lastBeat time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Coordinator. notifier may be nil; polling then carries all
// revocation traffic. revoke is invoked whenever a locally-held identity
// loses authority, including self heartbeat expiry.
func New(store ClaimStore, cfg Config, notifier Notifier, revoke RevokeFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		revoke:   revoke,
		logger:   logger,
		local:    make(map[auth.Identity]string),
	}
}

// NewSessionToken creates a random claim token.
func NewSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("COORD_TOKEN_FAILED").Wrap(err)
	}
	return hex.EncodeToString(b), nil
}

// Claim acquires network-wide authority over an identity for this instance.
// When a live prior holder exists, it is notified and polled for its
// revocation ack up to ClaimTimeout; on timeout the claim proceeds anyway,
// treating the holder as dead in exchange for availability.
func (c *Coordinator) Claim(ctx context.Context, identity auth.Identity) (string, error) {
	token, err := NewSessionToken()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claim := &Claim{
		Identity:    identity,
		InstanceID:  c.cfg.InstanceID,
		Token:       token,
		HeartbeatAt: now,
	}

	prev, err := c.store.Upsert(ctx, claim, now.Add(-c.cfg.HeartbeatTTL))
	if err != nil {
		return "", oops.Code("COORD_CLAIM_FAILED").
			With("identity", identity.String()).
			Wrap(err)
	}

	if !claim.Acked && prev != nil {
		c.awaitRevocation(ctx, identity, prev)
	}

	c.mu.Lock()
	c.local[identity] = token
	c.mu.Unlock()

	return token, nil
}

// awaitRevocation notifies the prior holder and polls for its ack.
func (c *Coordinator) awaitRevocation(ctx context.Context, identity auth.Identity, prev *Claim) {
	if c.notifier != nil {
		if err := c.notifier.PublishRevoke(ctx, identity, c.cfg.InstanceID); err != nil {
			c.logger.Warn("revocation notice publish failed; relying on polling",
				"identity", identity.String(), "error", err)
		}
	}

	deadline := time.Now().Add(c.cfg.ClaimTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, err := c.store.Get(ctx, identity)
		if err != nil || current.InstanceID != c.cfg.InstanceID {
			// Claim lost or unreadable; nothing left to wait for.
			return
		}
		if current.Acked {
			return
		}
	}

	c.logger.Warn("prior session holder did not ack within claim timeout; proceeding",
		"identity", identity.String(),
		"prior_instance", prev.InstanceID,
		"claim_timeout", c.cfg.ClaimTimeout)
}

// Release gives up authority over an identity, typically on disconnect.
// token must be the one handed out by Claim; a stale token, such as one
// held by a session that was displaced by a later login, is a no-op so it
// cannot delete the live session's claim. An empty token releases whatever
// this instance holds (administrative). A claim already superseded by
// another instance is left untouched by the store.
func (c *Coordinator) Release(ctx context.Context, identity auth.Identity, token string) error {
	c.mu.Lock()
	held, ok := c.local[identity]
	if !ok || (token != "" && held != token) {
		c.mu.Unlock()
		return nil
	}
	delete(c.local, identity)
	c.mu.Unlock()
	if err := c.store.Release(ctx, identity, c.cfg.InstanceID, held); err != nil {
		return oops.Code("COORD_RELEASE_FAILED").
			With("identity", identity.String()).
			Wrap(err)
	}
	return nil
}

// Holds reports whether this instance currently holds the identity.
func (c *Coordinator) Holds(identity auth.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[identity]
	return ok
}

// Start launches the heartbeat and revocation-watch loops. Stop cancels
// them and waits.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.lastBeat = time.Now()

	c.wg.Add(2)
	go c.heartbeatLoop(ctx)
	go c.watchLoop(ctx)

	if c.notifier != nil {
		c.wg.Add(1)
		go c.noticeLoop(ctx)
	}
}

// Stop terminates the background loops.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		if _, err := c.store.Heartbeat(ctx, c.cfg.InstanceID, now); err != nil {
			c.logger.Warn("heartbeat failed", "error", err)
			if time.Since(c.lastBeat) > c.cfg.HeartbeatTTL {
				// Our own claims may already be treated as dead elsewhere.
				// Local sessions are no longer trustworthy; revoke them all.
				c.expireSelf()
			}
			continue
		}
		c.lastBeat = time.Now()

		if _, err := c.store.DeleteExpired(ctx, now.Add(-2*c.cfg.HeartbeatTTL)); err != nil {
			c.logger.Debug("expired claim sweep failed", "error", err)
		}
	}
}

// expireSelf revokes every locally-held session after missing our own
// heartbeat deadline.
func (c *Coordinator) expireSelf() {
	c.mu.Lock()
	held := make([]auth.Identity, 0, len(c.local))
	for identity := range c.local {
		held = append(held, identity)
	}
	c.local = make(map[auth.Identity]string)
	c.mu.Unlock()

	for _, identity := range held {
		c.logger.Warn("session revoked after missed heartbeat deadline",
			"identity", identity.String())
		if c.revoke != nil {
			c.revoke(identity, "session authority expired")
		}
	}
}

// watchLoop polls claims for locally-held identities and revokes any whose
// authority moved to another instance.
func (c *Coordinator) watchLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.checkHeld(ctx)
	}
}

func (c *Coordinator) checkHeld(ctx context.Context) {
	c.mu.Lock()
	held := make(map[auth.Identity]string, len(c.local))
	for identity, token := range c.local {
		held[identity] = token
	}
	c.mu.Unlock()

	for identity, token := range held {
		current, err := c.store.Get(ctx, identity)
		if errors.Is(err, auth.ErrNotFound) {
			// Claim deleted out from under us, most likely an
			// administrative logout.
			c.surrender(ctx, identity, "")
			continue
		}
		if err != nil {
			continue // transient; next poll retries
		}
		if current.InstanceID == c.cfg.InstanceID && current.Token == token {
			continue
		}
		c.surrender(ctx, identity, current.InstanceID)
	}
}

// surrender terminates the local session for an identity claimed elsewhere
// and acks the new holder's claim.
func (c *Coordinator) surrender(ctx context.Context, identity auth.Identity, newInstance string) {
	c.mu.Lock()
	_, held := c.local[identity]
	delete(c.local, identity)
	c.mu.Unlock()
	if !held {
		return
	}

	reason := "logged in from another location"
	if newInstance == "" {
		reason = "logged out"
	}
	c.logger.Info("session authority lost",
		"identity", identity.String(), "new_instance", newInstance)
	if c.revoke != nil {
		c.revoke(identity, reason)
	}
	if newInstance == "" {
		return // claim row is gone; nothing to ack
	}
	if err := c.store.Ack(ctx, identity); err != nil {
		c.logger.Warn("revocation ack failed", "identity", identity.String(), "error", err)
	}
}

// noticeLoop reacts to pub/sub revocation notices ahead of the next poll.
func (c *Coordinator) noticeLoop(ctx context.Context) {
	defer c.wg.Done()
	notices, err := c.notifier.Notices(ctx)
	if err != nil {
		c.logger.Warn("revocation notice subscription failed; polling only", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-notices:
			if !ok {
				return
			}
			if notice.NewInstance == c.cfg.InstanceID {
				continue
			}
			if c.Holds(notice.Identity) {
				c.surrender(ctx, notice.Identity, notice.NewInstance)
			}
		}
	}
}
