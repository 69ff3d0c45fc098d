package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/limbogate/limbogate/internal/config"
	"github.com/limbogate/limbogate/internal/observability"
	"github.com/limbogate/limbogate/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// LoadConfig loads the runtime configuration.
	// Default: config.Load
	LoadConfig func(path string, flags *pflag.FlagSet) (*config.Config, error)

	// OpenStore opens the storage backend for the configured engine.
	// Default: store.Open
	OpenStore func(ctx context.Context, cfg store.Config) (store.Backend, error)

	// NewMigrator creates a migrator for the configured engine.
	// Default: wraps store.NewMigrator
	NewMigrator func(engine, dsn string) (Migrator, error)

	// NewObservability creates an observability server.
	// Default: wraps observability.NewServer
	NewObservability func(addr string, ready observability.ReadinessChecker) ObservabilityServer
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := &ServeDeps{}
	if d != nil {
		*out = *d
	}
	if out.LoadConfig == nil {
		out.LoadConfig = config.Load
	}
	if out.OpenStore == nil {
		out.OpenStore = store.Open
	}
	if out.NewMigrator == nil {
		out.NewMigrator = func(engine, dsn string) (Migrator, error) {
			return store.NewMigrator(engine, dsn)
		}
	}
	if out.NewObservability == nil {
		out.NewObservability = func(addr string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, ready)
		}
	}
	return out
}

// Migrator interface wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Close() error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}
