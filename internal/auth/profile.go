// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package auth

import (
	"context"
	"time"
)

// LinkedName records a previous display name for an identity, kept when a
// player renames or migrates from cracked to premium.
type LinkedName struct {
	Name     string    `json:"name"`
	LinkedAt time.Time `json:"linked_at"`
}

// Profile is the persistent account record. One profile exists per identity;
// the identity never changes once the profile is created.
//
// PasswordHash and TotpSecret are opaque to everything except the credential
// vault. An empty PasswordHash means the account has not registered (premium
// accounts with force-login disabled never do).
type Profile struct {
	Identity     Identity
	Name         string
	Premium      bool
	PasswordHash string
	TotpSecret   string
	LastAddress  string
	LastSeenAt   time.Time
	CreatedAt    time.Time
	LinkedNames  []LinkedName

	// Version is the optimistic-concurrency marker. Zero only before the
	// first insert; every successful update increments it.
	Version int64
}

// NewProfile creates an unregistered profile for an identity seen for the
// first time.
func NewProfile(identity Identity, name string, premium bool) *Profile {
	now := time.Now().UTC()
	return &Profile{
		Identity:  identity,
		Name:      name,
		Premium:   premium,
		CreatedAt: now,
		LastSeenAt: now,
	}
}

// Registered reports whether the profile has a stored password digest.
func (p *Profile) Registered() bool {
	return p.PasswordHash != ""
}

// HasTotp reports whether a second factor is enrolled.
func (p *Profile) HasTotp() bool {
	return p.TotpSecret != ""
}

// RecordSeen updates the last-seen fields after a successful login.
func (p *Profile) RecordSeen(address string, at time.Time) {
	p.LastAddress = address
	p.LastSeenAt = at.UTC()
}

// Rename updates the display name, preserving the old one in the linked
// history. A no-op when the name is unchanged.
func (p *Profile) Rename(name string, at time.Time) {
	if p.Name == name {
		return
	}
	p.LinkedNames = append(p.LinkedNames, LinkedName{Name: p.Name, LinkedAt: at.UTC()})
	p.Name = name
}

// ProfileRepository manages profile persistence. Implementations exist for
// each supported relational engine and must behave identically.
type ProfileRepository interface {
	// Create stores a new profile via an atomic check-and-insert.
	// Returns ErrDuplicateIdentity if the identity already has a profile.
	// On success the profile's Version is set to 1.
	Create(ctx context.Context, profile *Profile) error

	// Get retrieves a profile by identity. Returns ErrNotFound if absent.
	Get(ctx context.Context, identity Identity) (*Profile, error)

	// GetByName retrieves a profile by display name, case-insensitive.
	GetByName(ctx context.Context, name string) (*Profile, error)

	// Update writes all mutable fields in a single atomic statement guarded
	// by the profile's Version. Returns ErrStaleWrite if the stored version
	// differs; on success the profile's Version is incremented in place.
	Update(ctx context.Context, profile *Profile) error

	// CountByAddress returns how many profiles were last seen from the given
	// address. Used to enforce the per-address registration limit.
	CountByAddress(ctx context.Context, address string) (int, error)

	// ResetCredentials clears the password digest and TOTP secret for an
	// identity. Administrative operation; bypasses version checks.
	ResetCredentials(ctx context.Context, identity Identity) error

	// Delete removes a profile. Explicit administrative action only.
	Delete(ctx context.Context, identity Identity) error
}
