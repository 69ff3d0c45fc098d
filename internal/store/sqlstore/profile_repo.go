// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/store"
)

// ProfileRepository implements auth.ProfileRepository on database/sql.
type ProfileRepository struct {
	db             *sql.DB
	dialect        Dialect
	acquireTimeout time.Duration
}

// NewProfileRepository creates a ProfileRepository.
func NewProfileRepository(db *sql.DB, dialect Dialect, acquireTimeout time.Duration) *ProfileRepository {
	return &ProfileRepository{db: db, dialect: dialect, acquireTimeout: acquireTimeout}
}

const profileColumns = `identity, name, premium, password_hash, totp_secret,
       last_address, last_seen_at, created_at, linked_names, version`

// Create stores a new profile via atomic check-and-insert.
func (r *ProfileRepository) Create(ctx context.Context, profile *auth.Profile) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	linked, err := json.Marshal(linkedOrEmpty(profile.LinkedNames))
	if err != nil {
		return oops.Code("PROFILE_CREATE_FAILED").
			With("operation", "marshal linked names").
			Wrap(err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO profiles (
			identity, name, premium, password_hash, totp_secret,
			last_address, last_seen_at, created_at, linked_names, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		profile.Identity.String(),
		profile.Name,
		profile.Premium,
		profile.PasswordHash,
		profile.TotpSecret,
		profile.LastAddress,
		profile.LastSeenAt,
		profile.CreatedAt,
		string(linked),
	)
	if err != nil {
		if r.dialect.IsDuplicate(err) {
			return oops.Code("PROFILE_DUPLICATE").
				With("identity", profile.Identity.String()).
				With("name", profile.Name).
				Wrap(auth.ErrDuplicateIdentity)
		}
		return store.Unavailable(oops.Code("PROFILE_CREATE_FAILED").
			With("engine", r.dialect.Engine).
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

	row := r.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE identity = ?
	`, identity.String())

	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
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

	row := r.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE LOWER(name) = LOWER(?)
	`, name)

	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
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

// Update writes all mutable fields guarded by the version column.
func (r *ProfileRepository) Update(ctx context.Context, profile *auth.Profile) error {
	ctx, cancel := acquireCtx(ctx, r.acquireTimeout)
	defer cancel()

	linked, err := json.Marshal(linkedOrEmpty(profile.LinkedNames))
	if err != nil {
		return oops.Code("PROFILE_UPDATE_FAILED").
			With("operation", "marshal linked names").
			Wrap(err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE profiles SET
			name = ?,
			premium = ?,
			password_hash = ?,
			totp_secret = ?,
			last_address = ?,
			last_seen_at = ?,
			linked_names = ?,
			version = version + 1
		WHERE identity = ? AND version = ?
	`,
		profile.Name,
		profile.Premium,
		profile.PasswordHash,
		profile.TotpSecret,
		profile.LastAddress,
		profile.LastSeenAt,
		string(linked),
		profile.Identity.String(),
		profile.Version,
	)
	if err != nil {
		return store.Unavailable(oops.Code("PROFILE_UPDATE_FAILED").
			With("identity", profile.Identity.String()).
			Wrap(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return oops.Code("PROFILE_UPDATE_FAILED").
			With("operation", "rows affected").
			Wrap(err)
	}
	if affected == 0 {
		return r.classifyMissedUpdate(ctx, profile.Identity)
	}
	profile.Version++
	return nil
}

func (r *ProfileRepository) classifyMissedUpdate(ctx context.Context, identity auth.Identity) error {
	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles WHERE identity = ?`,
		identity.String(),
	).Scan(&exists)
	if err != nil {
		return store.Unavailable(oops.Code("PROFILE_UPDATE_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	if exists > 0 {
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
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles WHERE last_address = ?`,
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

	result, err := r.db.ExecContext(ctx, `
		UPDATE profiles SET password_hash = '', totp_secret = '', version = version + 1
		WHERE identity = ?
	`, identity.String())
	if err != nil {
		return store.Unavailable(oops.Code("PROFILE_RESET_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return oops.Code("PROFILE_RESET_FAILED").Wrap(err)
	}
	if affected == 0 {
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

	result, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE identity = ?`, identity.String())
	if err != nil {
		return store.Unavailable(oops.Code("PROFILE_DELETE_FAILED").
			With("identity", identity.String()).
			Wrap(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return oops.Code("PROFILE_DELETE_FAILED").Wrap(err)
	}
	if affected == 0 {
		return oops.Code("PROFILE_NOT_FOUND").
			With("identity", identity.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanProfile scans a single row into a Profile. Callers handle
// sql.ErrNoRows.
func scanProfile(row *sql.Row) (*auth.Profile, error) {
	var (
		identityStr string
		linkedJSON  string
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
		if errors.Is(err, sql.ErrNoRows) {
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

	if linkedJSON != "" {
		if err := json.Unmarshal([]byte(linkedJSON), &profile.LinkedNames); err != nil {
			return nil, oops.Code("PROFILE_INVALID_LINKED_NAMES").Wrap(err)
		}
	}

	return &profile, nil
}

func linkedOrEmpty(names []auth.LinkedName) []auth.LinkedName {
	if names == nil {
		return []auth.LinkedName{}
	}
	return names
}

// Compile-time interface check.
var _ auth.ProfileRepository = (*ProfileRepository)(nil)
