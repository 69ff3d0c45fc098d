// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/coordinator"
	"github.com/limbogate/limbogate/internal/store"
)

// ClaimRepository implements coordinator.ClaimStore on PostgreSQL.
type ClaimRepository struct {
	db             DB
	acquireTimeout time.Duration
}

// NewClaimRepository creates a ClaimRepository.
func NewClaimRepository(db DB, acquireTimeout time.Duration) *ClaimRepository {
	return &ClaimRepository{db: db, acquireTimeout: acquireTimeout}
}

// Upsert atomically installs a claim, returning the previous holder's claim
// when one existed. The row lock taken by SELECT ... FOR UPDATE serializes
// concurrent claims for the same identity.
func (r *ClaimRepository) Upsert(ctx context.Context, claim *coordinator.Claim, liveAfter time.Time) (*coordinator.Claim, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_UPSERT_FAILED").
			With("operation", "begin").
			Wrap(err))
	}
	defer func() { _ = tx.Rollback(ctx) }() //nolint:errcheck // no-op after commit

	row := tx.QueryRow(ctx, `
		SELECT identity, instance_id, token, heartbeat_at, acked
		FROM authoritative_sessions
		WHERE identity = $1
		FOR UPDATE
	`, claim.Identity.String())

	prev, err := scanClaim(row)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, store.Unavailable(oops.Code("CLAIM_UPSERT_FAILED").
			With("operation", "select previous").
			Wrap(err))
	}

	// The claim starts acked unless it displaces a live claim held by
	// another instance, which must confirm revocation first.
	claim.Acked = prev == nil ||
		prev.InstanceID == claim.InstanceID ||
		prev.HeartbeatAt.Before(liveAfter)

	if prev == nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO authoritative_sessions (identity, instance_id, token, heartbeat_at, acked)
			VALUES ($1, $2, $3, $4, $5)
		`, claim.Identity.String(), claim.InstanceID, claim.Token, claim.HeartbeatAt, claim.Acked)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE authoritative_sessions
			SET instance_id = $2, token = $3, heartbeat_at = $4, acked = $5
			WHERE identity = $1
		`, claim.Identity.String(), claim.InstanceID, claim.Token, claim.HeartbeatAt, claim.Acked)
	}
	if err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_UPSERT_FAILED").
			With("identity", claim.Identity.String()).
			Wrap(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_UPSERT_FAILED").
			With("operation", "commit").
			Wrap(err))
	}
	return prev, nil
}

// Get retrieves the claim for an identity.
func (r *ClaimRepository) Get(ctx context.Context, identity auth.Identity) (*coordinator.Claim, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	row := r.db.QueryRow(ctx, `
		SELECT identity, instance_id, token, heartbeat_at, acked
		FROM authoritative_sessions
		WHERE identity = $1
	`, identity.String())

	claim, err := scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("CLAIM_NOT_FOUND").
			With("identity", identity.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_GET_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	return claim, nil
}

// Ack marks the claim for an identity as acknowledged.
func (r *ClaimRepository) Ack(ctx context.Context, identity auth.Identity) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	_, err := r.db.Exec(ctx, `
		UPDATE authoritative_sessions SET acked = TRUE WHERE identity = $1
	`, identity.String())
	if err != nil {
		return store.Unavailable(oops.Code("CLAIM_ACK_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	return nil
}

// Release deletes the claim if still held by the instance with the token.
func (r *ClaimRepository) Release(ctx context.Context, identity auth.Identity, instanceID, token string) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	_, err := r.db.Exec(ctx, `
		DELETE FROM authoritative_sessions
		WHERE identity = $1 AND instance_id = $2 AND token = $3
	`, identity.String(), instanceID, token)
	if err != nil {
		return store.Unavailable(oops.Code("CLAIM_RELEASE_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	return nil
}

// Delete removes the claim for an identity regardless of holder.
func (r *ClaimRepository) Delete(ctx context.Context, identity auth.Identity) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	_, err := r.db.Exec(ctx, `
		DELETE FROM authoritative_sessions WHERE identity = $1
	`, identity.String())
	if err != nil {
		return store.Unavailable(oops.Code("CLAIM_DELETE_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	return nil
}

// Heartbeat refreshes every claim held by the instance.
func (r *ClaimRepository) Heartbeat(ctx context.Context, instanceID string, at time.Time) (int64, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	result, err := r.db.Exec(ctx, `
		UPDATE authoritative_sessions SET heartbeat_at = $2 WHERE instance_id = $1
	`, instanceID, at)
	if err != nil {
		return 0, store.Unavailable(oops.Code("CLAIM_HEARTBEAT_FAILED").
			With("instance_id", instanceID).
			Wrap(err))
	}
	return result.RowsAffected(), nil
}

// ListByInstance returns all claims held by an instance.
func (r *ClaimRepository) ListByInstance(ctx context.Context, instanceID string) ([]*coordinator.Claim, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT identity, instance_id, token, heartbeat_at, acked
		FROM authoritative_sessions
		WHERE instance_id = $1
	`, instanceID)
	if err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_LIST_FAILED").
			With("instance_id", instanceID).
			Wrap(err))
	}
	defer rows.Close()

	var claims []*coordinator.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, oops.Code("CLAIM_SCAN_FAILED").Wrap(err)
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_LIST_FAILED").
			With("operation", "iterate").
			Wrap(err))
	}
	return claims, nil
}

// DeleteExpired removes claims whose heartbeat predates the cutoff.
func (r *ClaimRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	result, err := r.db.Exec(ctx, `
		DELETE FROM authoritative_sessions WHERE heartbeat_at < $1
	`, cutoff)
	if err != nil {
		return 0, store.Unavailable(oops.Code("CLAIM_EXPIRE_FAILED").Wrap(err))
	}
	return result.RowsAffected(), nil
}

// scanClaim scans a claim row. Callers handle pgx.ErrNoRows.
func scanClaim(row pgx.Row) (*coordinator.Claim, error) {
	var (
		identityStr string
		claim       coordinator.Claim
	)
	err := row.Scan(&identityStr, &claim.InstanceID, &claim.Token, &claim.HeartbeatAt, &claim.Acked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("CLAIM_SCAN_FAILED").Wrap(err)
	}
	identity, err := auth.ParseIdentity(identityStr)
	if err != nil {
		return nil, oops.Code("CLAIM_INVALID_IDENTITY").
			With("identity", identityStr).
			Wrap(err)
	}
	claim.Identity = identity
	return &claim, nil
}

// Compile-time interface check.
var _ coordinator.ClaimStore = (*ClaimRepository)(nil)
