// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/cache"
	"github.com/limbogate/limbogate/internal/coordinator"
	"github.com/limbogate/limbogate/internal/flow"
	"github.com/limbogate/limbogate/internal/host"
	"github.com/limbogate/limbogate/internal/logging"
	"github.com/limbogate/limbogate/internal/premium"
	"github.com/limbogate/limbogate/pkg/errutil"

	// Storage engines register themselves on import.
	_ "github.com/limbogate/limbogate/internal/store/mysql"
	_ "github.com/limbogate/limbogate/internal/store/postgres"
	_ "github.com/limbogate/limbogate/internal/store/sqlite"
)

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the limbogate authority service",
		Long: `Run the authority service: storage backend, profile cache, cross-instance
session coordinator, and the observability endpoints. Proxy integrations
attach their connections to the login flow through the flow package.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, nil, autoMigrate)
		},
	}

	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "apply pending schema migrations on startup")
	return cmd
}

func runServe(cmd *cobra.Command, deps *ServeDeps, autoMigrate bool) error {
	d := deps.withDefaults()

	cfg, err := d.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("limbogate", cfg.InstanceID, cfg.Log.Level, cfg.Log.Format)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if autoMigrate {
		migrator, err := d.NewMigrator(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			return err
		}
		if err := migrator.Up(); err != nil {
			_ = migrator.Close()
			return err
		}
		if err := migrator.Close(); err != nil {
			return err
		}
		logger.Info("schema up to date", "engine", cfg.Database.Type)
	}

	backend, err := d.OpenStore(ctx, cfg.StoreConfig())
	if err != nil {
		return oops.Code("SERVE_STORE_FAILED").Wrap(err)
	}
	defer backend.Close()

	obs := d.NewObservability(cfg.Observability.Addr, func() bool {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return backend.Ping(pingCtx) == nil
	})
	obsErrs, err := obs.Start()
	if err != nil {
		return oops.Code("SERVE_OBSERVABILITY_FAILED").Wrap(err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Stop(stopCtx)
	}()
	metrics := obs.Metrics()

	profiles := cache.New(backend.Profiles(),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithTTL(time.Duration(cfg.Cache.TTLSeconds)*time.Second),
		cache.WithMetrics(metrics.CacheHits, metrics.CacheMisses),
	)

	var notifier coordinator.Notifier
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		notifier = coordinator.NewRedisNotifier(client)
		logger.Info("revocation notifier enabled", "addr", cfg.Redis.Address)
	}

	// The coordinator and the flow machine reference each other: claims
	// flow one way, revocations the other. The indirection through the
	// variable breaks the construction cycle.
	var machine *flow.Machine
	coord := coordinator.New(backend.Claims(), cfg.CoordinatorConfig(), notifier,
		func(identity auth.Identity, reason string) {
			metrics.Revocations.WithLabelValues(revocationReason(reason)).Inc()
			if machine != nil {
				machine.RevokeLocal(identity, reason)
			}
		}, logger)

	vault, err := auth.NewVault(cfg.DefaultCryptoProvider, 0, 0, 0, 0)
	if err != nil {
		return err
	}

	machine = flow.New(
		cfg.FlowConfig(),
		profiles,
		vault,
		cfg.PasswordPolicy(),
		auth.NewGuard(cfg.GuardConfig()),
		premium.NewHTTPResolver(logger),
		coord,
		host.NewLogHost(logger),
		logger,
		flow.WithMetrics(&flow.Metrics{
			Outcomes:  metrics.AuthOutcomes,
			ClaimWait: metrics.ClaimWait,
			Active:    metrics.ActiveSessions,
		}),
	)

	coord.Start(ctx)
	defer coord.Stop()

	sweep := time.NewTicker(30 * time.Second)
	defer sweep.Stop()

	logger.Info("limbogate running",
		"instance", cfg.InstanceID,
		"engine", cfg.Database.Type,
		"observability", obs.Addr())

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case err, ok := <-obsErrs:
			if ok && err != nil {
				errutil.LogError(logger, "observability server failed", err)
				return err
			}
		case now := <-sweep.C:
			machine.ExpireStale(ctx, now)
		}
	}
}

// revocationReason maps a human-facing kick reason to a metric label.
func revocationReason(reason string) string {
	switch {
	case strings.Contains(reason, "another location"):
		return "superseded"
	case strings.Contains(reason, "expired"):
		return "heartbeat_expired"
	default:
		return "admin"
	}
}
