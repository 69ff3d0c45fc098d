// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package coordinator keeps session authority coherent across proxy and
// backend instances that share one storage backend. All cross-instance
// consistency derives from the authoritative-session table; the optional
// pub/sub notifier only shortens reaction time.
package coordinator

import (
	"context"
	"time"

	"github.com/limbogate/limbogate/internal/auth"
)

// Claim is a row in the authoritative-session table: which instance
// currently owns an identity's authenticated state.
type Claim struct {
	Identity    auth.Identity
	InstanceID  string
	Token       string
	HeartbeatAt time.Time

	// Acked is set once the previous holder (if any) confirmed it revoked
	// its local session. A fresh claim with no previous holder starts acked.
	Acked bool
}

// ClaimStore persists authoritative-session claims. Implementations exist
// for each supported relational engine and must behave identically.
type ClaimStore interface {
	// Upsert atomically installs a claim for the identity, returning the
	// previous claim when one existed. When the previous claim belongs to a
	// different, live instance, the new row is written unacked; otherwise it
	// starts acked.
	Upsert(ctx context.Context, claim *Claim, liveAfter time.Time) (prev *Claim, err error)

	// Get retrieves the claim for an identity. Returns auth.ErrNotFound if
	// no instance holds the identity.
	Get(ctx context.Context, identity auth.Identity) (*Claim, error)

	// Ack marks the claim for an identity as acknowledged. Called by the
	// evicted instance after it terminated its local session.
	Ack(ctx context.Context, identity auth.Identity) error

	// Release deletes the claim if it is still held by the given instance
	// with the given token. A superseded claim is left untouched.
	Release(ctx context.Context, identity auth.Identity, instanceID, token string) error

	// Heartbeat refreshes the heartbeat timestamp for every claim held by
	// the instance, returning how many rows were touched.
	Heartbeat(ctx context.Context, instanceID string, at time.Time) (int64, error)

	// Delete removes the claim for an identity regardless of holder.
	// Administrative operation; the holding instance notices on its next
	// poll and terminates the local session.
	Delete(ctx context.Context, identity auth.Identity) error

	// ListByInstance returns all claims held by an instance.
	ListByInstance(ctx context.Context, instanceID string) ([]*Claim, error)

	// DeleteExpired removes claims whose heartbeat is older than the cutoff,
	// returning how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
