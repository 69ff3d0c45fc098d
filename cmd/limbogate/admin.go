// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package main

import (
	"context"
	"errors"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/config"
	"github.com/limbogate/limbogate/internal/store"
)

// newAdminCmd creates the admin subcommand with its actions.
func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative account operations",
		Long: `Administrative operations against the shared storage backend. Running
instances pick up authority changes on their next coordination poll.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "force-logout <name|uuid>",
			Short: "Drop the account's session authority, kicking it network-wide",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackend(cmd, func(ctx context.Context, backend store.Backend) error {
					identity, err := resolveIdentity(ctx, backend, args[0])
					if err != nil {
						return err
					}
					if err := backend.Claims().Delete(ctx, identity); err != nil {
						return err
					}
					cmd.Printf("session authority dropped for %s\n", identity)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset-credentials <name|uuid>",
			Short: "Clear the account's password and second factor",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackend(cmd, func(ctx context.Context, backend store.Backend) error {
					identity, err := resolveIdentity(ctx, backend, args[0])
					if err != nil {
						return err
					}
					if err := backend.Profiles().ResetCredentials(ctx, identity); err != nil {
						return err
					}
					if err := backend.Claims().Delete(ctx, identity); err != nil {
						return err
					}
					cmd.Printf("credentials reset for %s; the player must register again\n", identity)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "info <name|uuid>",
			Short: "Show an account's profile and session authority",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackend(cmd, func(ctx context.Context, backend store.Backend) error {
					identity, err := resolveIdentity(ctx, backend, args[0])
					if err != nil {
						return err
					}
					profile, err := backend.Profiles().Get(ctx, identity)
					if err != nil {
						return err
					}
					cmd.Printf("identity:    %s\n", profile.Identity)
					cmd.Printf("name:        %s\n", profile.Name)
					cmd.Printf("premium:     %v\n", profile.Premium)
					cmd.Printf("registered:  %v\n", profile.Registered())
					cmd.Printf("totp:        %v\n", profile.HasTotp())
					cmd.Printf("last seen:   %s from %s\n", profile.LastSeenAt.Format("2006-01-02 15:04:05"), profile.LastAddress)
					for _, linked := range profile.LinkedNames {
						cmd.Printf("former name: %s (until %s)\n", linked.Name, linked.LinkedAt.Format("2006-01-02"))
					}

					claim, err := backend.Claims().Get(ctx, identity)
					switch {
					case errors.Is(err, auth.ErrNotFound):
						cmd.Println("session:     offline")
					case err != nil:
						return err
					default:
						cmd.Printf("session:     held by %s (acked %v)\n", claim.InstanceID, claim.Acked)
					}
					return nil
				})
			},
		},
	)

	return cmd
}

func withBackend(cmd *cobra.Command, fn func(context.Context, store.Backend) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	backend, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(ctx, backend)
}

// resolveIdentity accepts a UUID or an account name.
func resolveIdentity(ctx context.Context, backend store.Backend, arg string) (auth.Identity, error) {
	if identity, err := auth.ParseIdentity(arg); err == nil {
		return identity, nil
	}
	profile, err := backend.Profiles().GetByName(ctx, auth.NormalizeName(arg))
	if err != nil {
		return auth.Identity{}, oops.Code("ADMIN_UNKNOWN_ACCOUNT").
			With("account", arg).
			Wrap(err)
	}
	return profile.Identity, nil
}
