// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package host

import (
	"context"
	"log/slog"

	"github.com/limbogate/limbogate/internal/auth"
)

// LogHost is a Host that only records what it is asked to do. The
// standalone binary runs with it until a real proxy integration is
// attached; tests use it to observe flow decisions.
type LogHost struct {
	Logger *slog.Logger
}

var _ Host = (*LogHost)(nil)

// NewLogHost creates a LogHost. A nil logger uses slog's default.
func NewLogHost(logger *slog.Logger) *LogHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHost{Logger: logger}
}

// HoldPlayer implements Host.
func (h *LogHost) HoldPlayer(_ context.Context, conn Connection) error {
	h.Logger.Info("player held in limbo", "name", conn.Name(), "address", conn.Address())
	return nil
}

// ReleasePlayer implements Host.
func (h *LogHost) ReleasePlayer(_ context.Context, conn Connection, identity auth.Identity) error {
	h.Logger.Info("player released", "name", conn.Name(), "identity", identity.String())
	return nil
}

// KickIdentity implements Host.
func (h *LogHost) KickIdentity(_ context.Context, identity auth.Identity, reason string) error {
	h.Logger.Info("identity kicked", "identity", identity.String(), "reason", reason)
	return nil
}
