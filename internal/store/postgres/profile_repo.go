// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/store"
)

// DB is the subset of pgxpool.Pool the repositories use. pgxmock satisfies
// it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProfileRepository implements auth.ProfileRepository on PostgreSQL.
type ProfileRepository struct {
	db             DB
	acquireTimeout time.Duration
}

// NewProfileRepository creates a ProfileRepository.
func NewProfileRepository(db DB, acquireTimeout time.Duration) *ProfileRepository {
	return &ProfileRepository{db: db, acquireTimeout: acquireTimeout}
}

const profileColumns = `identity, name, premium, password_hash, totp_secret,
       last_address, last_seen_at, created_at, linked_names, version`

// Create stores a new profile. The primary key and the unique name index
// make the check-and-insert atomic; a conflict on either surfaces as
// auth.ErrDuplicateIdentity.
func (r *ProfileRepository) Create(ctx context.Context, profile *auth.Profile) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	linked, err := json.Marshal(linkedOrEmpty(profile.LinkedNames))
	if err != nil {
		return oops.Code("PROFILE_CREATE_FAILED").
			With("operation", "marshal linked names").
			Wrap(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO profiles (
			identity, name, premium, password_hash, totp_secret,
			last_address, last_seen_at, created_at, linked_names, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
	`,
		profile.Identity.String(),
		profile.Name,
		profile.Premium,
		profile.PasswordHash,
		profile.TotpSecret,
		profile.LastAddress,
		profile.LastSeenAt,
		profile.CreatedAt,
		linked,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("PROFILE_DUPLICATE").
				With("identity", profile.Identity.String()).
				With("name", profile.Name).
				Wrap(auth.ErrDuplicateIdentity)
		}
		return store.Unavailable(oops.Code("PROFILE_CREATE_FAILED").
			With("identity", profile.Identity.String()).
			Wrap(err))
	}
	profile.Version = 1
	return nil
}

// Get retrieves a profile by identity.
func (r *ProfileRepository) Get(ctx context.Context, identity auth.Identity) (*auth.Profile, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	row := r.db.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE identity = $1
	`, identity.String())

	profile, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PROFILE_NOT_FOUND").
			With("identity", identity.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, store.Unavailable(oops.Code("PROFILE_GET_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	return profile, nil
}

// GetByName retrieves a profile by display name, case-insensitive.
func (r *ProfileRepository) GetByName(ctx context.Context, name string) (*auth.Profile, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	row := r.db.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE LOWER(name) = LOWER($1)
	`, name)

	profile, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PROFILE_NOT_FOUND").
			With("name", name).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, store.Unavailable(oops.Code("PROFILE_GET_BY_NAME_FAILED").
			With("name", name).
			Wrap(err))
	}
	return profile, nil
}

// Update writes all mutable fields guarded by the version column. The single
// statement keeps multi-field mutations atomic; a version mismatch surfaces
// as auth.ErrStaleWrite.
func (r *ProfileRepository) Update(ctx context.Context, profile *auth.Profile) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	linked, err := json.Marshal(linkedOrEmpty(profile.LinkedNames))
	if err != nil {
		return oops.Code("PROFILE_UPDATE_FAILED").
			With("operation", "marshal linked names").
			Wrap(err)
	}

	result, err := r.db.Exec(ctx, `
		UPDATE profiles SET
			name = $3,
			premium = $4,
			password_hash = $5,
			totp_secret = $6,
			last_address = $7,
			last_seen_at = $8,
			linked_names = $9,
			version = version + 1
		WHERE identity = $1 AND version = $2
	`,
		profile.Identity.String(),
		profile.Version,
		profile.Name,
		profile.Premium,
		profile.PasswordHash,
		profile.TotpSecret,
		profile.LastAddress,
		profile.LastSeenAt,
		linked,
	)
	if err != nil {
		return store.Unavailable(oops.Code("PROFILE_UPDATE_FAILED").
			With("identity", profile.Identity.String()).
			Wrap(err))
	}
	if result.RowsAffected() == 0 {
		return r.classifyMissedUpdate(ctx, profile.Identity)
	}
	profile.Version++
	return nil
}

// classifyMissedUpdate distinguishes a stale version from a missing row
// after an update matched nothing.
func (r *ProfileRepository) classifyMissedUpdate(ctx context.Context, identity auth.Identity) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE identity = $1)`,
		identity.String(),
	).Scan(&exists)
	if err != nil {
		return store.Unavailable(oops.Code("PROFILE_UPDATE_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	if exists {
		return oops.Code("PROFILE_STALE_WRITE").
			With("identity", identity.String()).
			Wrap(auth.ErrStaleWrite)
	}
	return oops.Code("PROFILE_NOT_FOUND").
		With("identity", identity.String()).
		Wrap(auth.ErrNotFound)
}

// CountByAddress returns how many profiles were last seen from the address.
func (r *ProfileRepository) CountByAddress(ctx context.Context, address string) (int, error) {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM profiles WHERE last_address = $1`,
		address,
	).Scan(&count)
	if err != nil {
		return 0, store.Unavailable(oops.Code("PROFILE_COUNT_FAILED").
			With("address", address).
			Wrap(err))
	}
	return count, nil
}

// ResetCredentials clears the password digest and TOTP secret.
func (r *ProfileRepository) ResetCredentials(ctx context.Context, identity auth.Identity) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	result, err := r.db.Exec(ctx, `
		UPDATE profiles SET password_hash = '', totp_secret = '', version = version + 1
		WHERE identity = $1
	`, identity.String())
	if err != nil {
		return store.Unavailable(oops.Code("PROFILE_RESET_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	if result.RowsAffected() == 0 {
		return oops.Code("PROFILE_NOT_FOUND").
			With("identity", identity.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a profile. Explicit administrative action only.
func (r *ProfileRepository) Delete(ctx context.Context, identity auth.Identity) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	result, err := r.db.Exec(ctx, `DELETE FROM profiles WHERE identity = $1`, identity.String())
	if err != nil {
		return store.Unavailable(oops.Code("PROFILE_DELETE_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	if result.RowsAffected() == 0 {
		return oops.Code("PROFILE_NOT_FOUND").
			With("identity", identity.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanProfile scans a single row into a Profile. Callers handle
// pgx.ErrNoRows.
func scanProfile(row pgx.Row) (*auth.Profile, error) {
	var (
		identityStr string
		linkedJSON  []byte
		profile     auth.Profile
	)

	err := row.Scan(
		&identityStr,
		&profile.Name,
		&profile.Premium,
		&profile.PasswordHash,
		&profile.TotpSecret,
		&profile.LastAddress,
		&profile.LastSeenAt,
		&profile.CreatedAt,
		&linkedJSON,
		&profile.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("PROFILE_SCAN_FAILED").Wrap(err)
	}

	identity, err := auth.ParseIdentity(identityStr)
	if err != nil {
		return nil, oops.Code("PROFILE_INVALID_IDENTITY").
			With("identity", identityStr).
			Wrap(err)
	}
	profile.Identity = identity

	if len(linkedJSON) > 0 {
		if err := json.Unmarshal(linkedJSON, &profile.LinkedNames); err != nil {
			return nil, oops.Code("PROFILE_INVALID_LINKED_NAMES").Wrap(err)
		}
	}

	return &profile, nil
}

// linkedOrEmpty normalizes nil history to an empty slice so the stored JSON
// is always an array.
func linkedOrEmpty(names []auth.LinkedName) []auth.LinkedName {
	if names == nil {
		return []auth.LinkedName{}
	}
	return names
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Compile-time interface check.
var _ auth.ProfileRepository = (*ProfileRepository)(nil)
