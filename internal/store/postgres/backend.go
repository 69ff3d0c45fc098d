// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package postgres implements the storage backend on PostgreSQL via pgx.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/coordinator"
	"github.com/limbogate/limbogate/internal/store"
)

func init() {
	store.RegisterEngine(store.EnginePostgres, func(ctx context.Context, cfg store.Config) (store.Backend, error) {
		return New(ctx, cfg)
	})
}

// Backend implements store.Backend on a pgx connection pool.
type Backend struct {
	pool     *pgxpool.Pool
	profiles *ProfileRepository
	claims   *ClaimRepository
}

// New connects a pooled PostgreSQL backend. MaxConns bounds the pool;
// AcquireTimeout bounds queuing for a connection.
func New(ctx context.Context, cfg store.Config) (*Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, oops.Code("STORE_DSN_INVALID").Wrap(err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, oops.Code("STORE_CONNECT_FAILED").Wrap(err)
	}

	return &Backend{
		pool:     pool,
		profiles: NewProfileRepository(pool, cfg.AcquireTimeout),
		claims:   NewClaimRepository(pool, cfg.AcquireTimeout),
	}, nil
}

// Profiles returns the profile repository.
func (b *Backend) Profiles() auth.ProfileRepository { return b.profiles }

// Claims returns the authoritative-session store.
func (b *Backend) Claims() coordinator.ClaimStore { return b.claims }

// Ping verifies connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return store.Unavailable(oops.Code("STORE_PING_FAILED").Wrap(err))
	}
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() { b.pool.Close() }

// acquireCtx bounds pool queuing. Exhaustion then surfaces as
// auth.ErrBackendUnavailable via store.Unavailable instead of blocking the
// caller indefinitely.
func acquireCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = store.DefaultAcquireTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Compile-time interface check.
var _ store.Backend = (*Backend)(nil)
