// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package sqlstore implements the storage backend on database/sql. SQLite
// and MySQL share this implementation; both use ? placeholders and differ
// only in locking syntax and duplicate-key error shape, captured by Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/coordinator"
	"github.com/limbogate/limbogate/internal/store"
)

// Dialect captures the engine-specific edges of the shared SQL.
type Dialect struct {
	// Engine is the store engine name, for error context.
	Engine string

	// ForUpdate is appended to the claim-upsert SELECT. Empty for SQLite,
	// whose transactions serialize writers anyway; " FOR UPDATE" for MySQL.
	ForUpdate string

	// IsDuplicate reports whether the error is a unique-constraint violation.
	IsDuplicate func(error) bool
}

// Store implements store.Backend on a database/sql pool.
type Store struct {
	db       *sql.DB
	profiles *ProfileRepository
	claims   *ClaimRepository
}

// New wraps an opened database handle. The caller configures the driver;
// New applies the pool bounds from cfg.
func New(db *sql.DB, dialect Dialect, cfg store.Config) *Store {
	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetMaxIdleConns(int(cfg.MaxConns))
	return &Store{
		db:       db,
		profiles: NewProfileRepository(db, dialect, cfg.AcquireTimeout),
		claims:   NewClaimRepository(db, dialect, cfg.AcquireTimeout),
	}
}

// Profiles returns the profile repository.
func (s *Store) Profiles() auth.ProfileRepository { return s.profiles }

// Claims returns the authoritative-session store.
func (s *Store) Claims() coordinator.ClaimStore { return s.claims }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.Unavailable(oops.Code("STORE_PING_FAILED").Wrap(err))
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { _ = s.db.Close() } //nolint:errcheck // shutdown path

// acquireCtx bounds pool queuing so exhaustion surfaces as
// auth.ErrBackendUnavailable instead of blocking indefinitely.
func acquireCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = store.DefaultAcquireTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Compile-time interface check.
var _ store.Backend = (*Store)(nil)
