// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package store

import (
	"embed"
	"errors"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// Register database drivers for golang-migrate, one per supported engine.
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

//go:embed migrations/postgres/*.sql migrations/mysql/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// migrateIface abstracts golang-migrate for testing. The real library
// requires a database connection, making unit tests slow and brittle.
type migrateIface interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() (source error, database error)
}

// Migrator applies the versioned schema for one engine. Migrations are
// embedded per engine because the SQL dialects differ; the logical schema is
// identical across engines.
type Migrator struct {
	m migrateIface
}

// NewMigrator creates a migrator for the given engine and DSN.
func NewMigrator(engine, dsn string) (*Migrator, error) {
	dir, ok := migrationDirs[engine]
	if !ok {
		return nil, oops.Code("MIGRATION_UNKNOWN_ENGINE").
			With("engine", engine).
			Errorf("unknown storage engine: %q", engine)
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_FAILED").With("operation", "create migration source").Wrap(err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(engine, dsn))
	if err != nil {
		_ = source.Close() //nolint:errcheck // cleanup for embedded FS; init error takes precedence
		return nil, oops.Code("MIGRATION_INIT_FAILED").With("engine", engine).Wrap(err)
	}

	return &Migrator{m: m}, nil
}

var migrationDirs = map[string]string{
	EnginePostgres: "migrations/postgres",
	EngineMySQL:    "migrations/mysql",
	EngineSQLite:   "migrations/sqlite",
}

// migrateURL converts a backend DSN into the URL form golang-migrate's
// driver for the engine expects.
func migrateURL(engine, dsn string) string {
	switch engine {
	case EnginePostgres:
		// The pgx/v5 migrate driver expects the pgx5:// scheme.
		if rest, found := strings.CutPrefix(dsn, "postgres://"); found {
			return "pgx5://" + rest
		}
		if rest, found := strings.CutPrefix(dsn, "postgresql://"); found {
			return "pgx5://" + rest
		}
		return dsn
	case EngineMySQL:
		if strings.HasPrefix(dsn, "mysql://") {
			return dsn
		}
		return "mysql://" + dsn
	case EngineSQLite:
		if strings.HasPrefix(dsn, "sqlite://") {
			return dsn
		}
		return "sqlite://" + dsn
	default:
		return dsn
	}
}

// Up applies all pending migrations. A dirty schema (a previous step failed
// partway) aborts with an error rather than migrating further; startup must
// not proceed against a partially-migrated schema.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_UP_FAILED").Wrap(err)
	}
	return nil
}

// Down rolls back all migrations.
// WARNING: destructive; drops all tables and data.
func (m *Migrator) Down() error {
	if err := m.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_DOWN_FAILED").Wrap(err)
	}
	return nil
}

// Version returns the current migration version and dirty state. Returns
// version 0 with dirty=false if no migrations have been applied.
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, oops.Code("MIGRATION_VERSION_FAILED").Wrap(err)
	}
	return version, dirty, nil
}

// Force sets the migration version without running migrations. Use only for
// recovering from a dirty state after manually fixing the database.
func (m *Migrator) Force(version int) error {
	if version < 0 {
		return oops.Code("INVALID_VERSION").Errorf("version must be non-negative, got %d", version)
	}
	if err := m.m.Force(version); err != nil {
		return oops.Code("MIGRATION_FORCE_FAILED").With("version", version).Wrap(err)
	}
	return nil
}

// Close releases resources.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if srcErr != nil && dbErr != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").
			With("component", "both").
			Errorf("source: %v; database: %v", srcErr, dbErr)
	}
	if srcErr != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").With("component", "source").Wrap(srcErr)
	}
	if dbErr != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").With("component", "database").Wrap(dbErr)
	}
	return nil
}
