// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package main

import (
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/limbogate/limbogate/internal/config"
	"github.com/limbogate/limbogate/internal/store"
)

// newMigrateCmd creates the migrate subcommand with its actions.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long:  `Apply, roll back, or inspect schema migrations for the configured storage engine.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					if err := m.Up(); err != nil {
						return err
					}
					cmd.Println("migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					if err := m.Down(); err != nil {
						return err
					}
					cmd.Println("rolled back one migration")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					cmd.Printf("version: %d dirty: %v\n", version, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force the schema version after a failed migration",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return oops.Code("MIGRATE_BAD_VERSION").
						With("arg", args[0]).
						Wrap(err)
				}
				return withMigrator(cmd, func(m *store.Migrator) error {
					if err := m.Force(version); err != nil {
						return err
					}
					cmd.Printf("forced version to %d\n", version)
					return nil
				})
			},
		},
	)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(*store.Migrator) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	migrator, err := store.NewMigrator(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()
	return fn(migrator)
}
