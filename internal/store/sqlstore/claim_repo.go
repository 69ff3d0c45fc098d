// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/coordinator"
	"github.com/limbogate/limbogate/internal/store"
)

// ClaimRepository implements coordinator.ClaimStore on database/sql.
type ClaimRepository struct {
	db             *sql.DB
	dialect        Dialect
	acquireTimeout time.Duration
}

// NewClaimRepository creates a ClaimRepository.
func NewClaimRepository(db *sql.DB, dialect Dialect, acquireTimeout time.Duration) *ClaimRepository {
	return &ClaimRepository{db: db, dialect: dialect, acquireTimeout: acquireTimeout}
}

// Upsert atomically installs a claim inside a transaction, returning the
// previous holder's claim when one existed.
func (r *ClaimRepository) Upsert(ctx context.Context, claim *coordinator.Claim, liveAfter time.Time) (*coordinator.Claim, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_UPSERT_FAILED").
			With("operation", "begin").
			Wrap(err))
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	row := tx.QueryRowContext(ctx, `
		SELECT identity, instance_id, token, heartbeat_at, acked
		FROM authoritative_sessions
		WHERE identity = ?`+r.dialect.ForUpdate,
		claim.Identity.String())

	prev, err := scanClaimRow(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, store.Unavailable(oops.Code("CLAIM_UPSERT_FAILED").
			With("operation", "select previous").
			Wrap(err))
	}

	claim.Acked = prev == nil ||
		prev.InstanceID == claim.InstanceID ||
		prev.HeartbeatAt.Before(liveAfter)

	if prev == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO authoritative_sessions (identity, instance_id, token, heartbeat_at, acked)
			VALUES (?, ?, ?, ?, ?)
		`, claim.Identity.String(), claim.InstanceID, claim.Token, claim.HeartbeatAt, claim.Acked)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE authoritative_sessions
			SET instance_id = ?, token = ?, heartbeat_at = ?, acked = ?
			WHERE identity = ?
		`, claim.InstanceID, claim.Token, claim.HeartbeatAt, claim.Acked, claim.Identity.String())
	}
	if err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_UPSERT_FAILED").
			With("identity", claim.Identity.String()).
			Wrap(err))
	}

	if err := tx.Commit(); err != nil {
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

	row := r.db.QueryRowContext(ctx, `
		SELECT identity, instance_id, token, heartbeat_at, acked
		FROM authoritative_sessions
		WHERE identity = ?
	`, identity.String())

	claim, err := scanClaimRow(row)
	if errors.Is(err, sql.ErrNoRows) {
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

	_, err := r.db.ExecContext(ctx, `
		UPDATE authoritative_sessions SET acked = TRUE WHERE identity = ?
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

	_, err := r.db.ExecContext(ctx, `
		DELETE FROM authoritative_sessions
		WHERE identity = ? AND instance_id = ? AND token = ?
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

	_, err := r.db.ExecContext(ctx, `
		DELETE FROM authoritative_sessions WHERE identity = ?
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

	result, err := r.db.ExecContext(ctx, `
		UPDATE authoritative_sessions SET heartbeat_at = ? WHERE instance_id = ?
	`, at, instanceID)
	if err != nil {
		return 0, store.Unavailable(oops.Code("CLAIM_HEARTBEAT_FAILED").
			With("instance_id", instanceID).
			Wrap(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, oops.Code("CLAIM_HEARTBEAT_FAILED").Wrap(err)
	}
	return affected, nil
}

// ListByInstance returns all claims held by an instance.
func (r *ClaimRepository) ListByInstance(ctx context.Context, instanceID string) ([]*coordinator.Claim, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT identity, instance_id, token, heartbeat_at, acked
		FROM authoritative_sessions
		WHERE instance_id = ?
	`, instanceID)
	if err != nil {
		return nil, store.Unavailable(oops.Code("CLAIM_LIST_FAILED").
			With("instance_id", instanceID).
			Wrap(err))
	}
	defer rows.Close() //nolint:errcheck // read-only iterator

	var claims []*coordinator.Claim
	for rows.Next() {
		claim, err := scanClaimRow(rows)
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

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM authoritative_sessions WHERE heartbeat_at < ?
	`, cutoff)
	if err != nil {
		return 0, store.Unavailable(oops.Code("CLAIM_EXPIRE_FAILED").Wrap(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, oops.Code("CLAIM_EXPIRE_FAILED").Wrap(err)
	}
	return affected, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanClaimRow(row scanner) (*coordinator.Claim, error) {
	var (
		identityStr string
		claim       coordinator.Claim
	)
	err := row.Scan(&identityStr, &claim.InstanceID, &claim.Token, &claim.HeartbeatAt, &claim.Acked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
