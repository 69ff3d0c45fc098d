// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package store provides the storage backend abstraction. Three relational
// engines are supported (embedded SQLite, MySQL, and PostgreSQL) behind
// one behavioral contract: atomic check-and-insert profile creation,
// optimistic-concurrency updates, bounded pool acquisition, and idempotent
// versioned migrations applied at startup.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/coordinator"
)

// Supported engine names, matching the database.type configuration key.
const (
	EnginePostgres = "postgresql"
	EngineMySQL    = "mysql"
	EngineSQLite   = "sqlite"
)

// Default pool settings.
const (
	DefaultMaxConns       = 8
	DefaultAcquireTimeout = 5 * time.Second
)

// Config selects and tunes a storage backend.
type Config struct {
	// Engine is one of EnginePostgres, EngineMySQL, EngineSQLite.
	Engine string

	// DSN is the engine-specific connection string. For SQLite this is the
	// database file path.
	DSN string

	// MaxConns bounds the connection pool. Zero uses DefaultMaxConns.
	MaxConns int32

	// AcquireTimeout bounds how long an operation may queue for a pooled
	// connection before failing with auth.ErrBackendUnavailable. Zero uses
	// DefaultAcquireTimeout.
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

// Backend bundles the repositories of one storage engine with its pool
// lifecycle. Construct with Open; Close releases the pool.
type Backend interface {
	Profiles() auth.ProfileRepository
	Claims() coordinator.ClaimStore

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	Close()
}

// Openers for the client-server and embedded engines are registered by the
// engine subpackages to keep their drivers out of this package's imports.
var openers = map[string]func(ctx context.Context, cfg Config) (Backend, error){}

// RegisterEngine registers a backend constructor for an engine name. Called
// from engine subpackage init functions.
func RegisterEngine(name string, open func(ctx context.Context, cfg Config) (Backend, error)) {
	openers[name] = open
}

// Open constructs the backend selected by cfg.Engine. The caller is
// responsible for running migrations first (see Migrator).
func Open(ctx context.Context, cfg Config) (Backend, error) {
	cfg = cfg.withDefaults()
	open, ok := openers[cfg.Engine]
	if !ok {
		return nil, oops.Code("STORE_UNKNOWN_ENGINE").
			With("engine", cfg.Engine).
			Errorf("unknown storage engine: %q", cfg.Engine)
	}
	backend, err := open(ctx, cfg)
	if err != nil {
		return nil, oops.Code("STORE_OPEN_FAILED").
			With("engine", cfg.Engine).
			Wrap(err)
	}
	return backend, nil
}

// Unavailable classifies an error as backend unavailability: pool acquire
// timeouts, cancelled contexts during acquisition, and connection failures
// all surface as auth.ErrBackendUnavailable to callers.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return oops.Code("STORE_UNAVAILABLE").
			With("cause", err.Error()).
			Wrap(auth.ErrBackendUnavailable)
	}
	return err
}
