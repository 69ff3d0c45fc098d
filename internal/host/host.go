// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package host defines the capabilities the embedding proxy or server
// grants the authentication flow. The flow never talks to the wire
// directly; it holds, releases, and kicks players through these
// interfaces.
package host

import (
	"context"

	"github.com/limbogate/limbogate/internal/auth"
)

// Connection is one player connection as the host exposes it.
type Connection interface {
	// Name is the username presented at login, original casing.
	Name() string

	// Address is the remote address, host:port.
	Address() string

	// PremiumVerified reports whether the host already completed the
	// upstream cryptographic handshake for this connection.
	PremiumVerified() bool

	// PremiumIdentity is the canonical identity proven by the handshake.
	// Zero unless PremiumVerified.
	PremiumIdentity() auth.Identity

	// Message sends a chat line to the player.
	Message(ctx context.Context, text string) error

	// Kick disconnects the player with a reason.
	Kick(ctx context.Context, reason string) error
}

// Host moves players between the limbo holding state and the real network.
type Host interface {
	// HoldPlayer places the connection in limbo, where it can chat with
	// the auth flow but touch nothing else.
	HoldPlayer(ctx context.Context, conn Connection) error

	// ReleasePlayer forwards an authenticated connection to the network
	// proper as the given identity.
	ReleasePlayer(ctx context.Context, conn Connection, identity auth.Identity) error

	// KickIdentity disconnects whatever local connection plays as the
	// identity, if any. Used when session authority moves elsewhere.
	KickIdentity(ctx context.Context, identity auth.Identity, reason string) error
}
