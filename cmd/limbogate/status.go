// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/limbogate/limbogate/internal/config"
	"github.com/limbogate/limbogate/internal/store"
)

// CheckStatus holds the outcome of one health check.
type CheckStatus struct {
	Check string `json:"check"`
	OK    bool   `json:"ok"`
	Note  string `json:"note,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of the storage backend and a running instance",
		Long: `Check the configured storage backend and, when an instance is running,
its observability endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, statusCfg *statusConfig) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	checks := []CheckStatus{
		checkDatabase(ctx, cfg),
		checkSchema(cfg),
		checkReadiness(ctx, cfg.Observability.Addr),
	}

	if statusCfg.jsonOutput {
		out, err := json.MarshalIndent(checks, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(string(out))
		return nil
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tNOTE")
	for _, c := range checks {
		status := "ok"
		if !c.OK {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Check, status, c.Note)
	}
	_ = w.Flush()
	cmd.Print(b.String())
	return nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckStatus {
	check := CheckStatus{Check: "database"}
	backend, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		check.Note = err.Error()
		return check
	}
	defer backend.Close()

	if err := backend.Ping(ctx); err != nil {
		check.Note = err.Error()
		return check
	}
	check.OK = true
	check.Note = cfg.Database.Type
	return check
}

func checkSchema(cfg *config.Config) CheckStatus {
	check := CheckStatus{Check: "schema"}
	migrator, err := store.NewMigrator(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		check.Note = err.Error()
		return check
	}
	defer func() { _ = migrator.Close() }()

	version, dirty, err := migrator.Version()
	if err != nil {
		check.Note = err.Error()
		return check
	}
	check.OK = !dirty
	check.Note = fmt.Sprintf("version %d, dirty %v", version, dirty)
	return check
}

func checkReadiness(ctx context.Context, addr string) CheckStatus {
	check := CheckStatus{Check: "instance"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+addr+"/healthz/readiness", nil)
	if err != nil {
		check.Note = err.Error()
		return check
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		check.Note = "not running"
		return check
	}
	defer resp.Body.Close()

	check.OK = resp.StatusCode == http.StatusOK
	check.Note = resp.Status
	return check
}
