// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package auth provides the identity and credential model for Limbogate.
package auth

import (
	"crypto/md5" //nolint:gosec // offline-mode UUIDs are defined over MD5 by the protocol
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Username validation constraints. Minecraft names are 1-16 characters of
// [A-Za-z0-9_]; networks may additionally require a minimum length.
const (
	MaxUsernameLength = 16
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Identity is the stable account key. For premium accounts it is the
// centrally-assigned UUID; for cracked accounts it is derived
// deterministically from the lowercased name, so the same name always maps
// to the same identity regardless of which instance first saw it.
type Identity uuid.UUID

// String returns the canonical hyphenated form.
func (i Identity) String() string {
	return uuid.UUID(i).String()
}

// IsZero reports whether the identity is the zero value.
func (i Identity) IsZero() bool {
	return uuid.UUID(i) == uuid.Nil
}

// ParseIdentity parses a canonical identity string.
func ParseIdentity(s string) (Identity, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Identity{}, oops.Code("AUTH_INVALID_IDENTITY").With("identity", s).Wrap(err)
	}
	return Identity(u), nil
}

// PremiumIdentity wraps a centrally-verified UUID as an Identity.
func PremiumIdentity(id uuid.UUID) Identity {
	return Identity(id)
}

// OfflineIdentity derives the cracked-account identity for a name. This is
// the offline-mode derivation the protocol defines: a version-3 UUID over
// the bytes of "OfflinePlayer:" + name. The name is case-preserved in the
// hash input, matching vanilla behavior, so a case mismatch at join time is
// normalized against the stored profile name, never the identity.
func OfflineIdentity(name string) Identity {
	sum := md5.Sum([]byte("OfflinePlayer:" + name)) //nolint:gosec // see package note above
	sum[6] = (sum[6] & 0x0f) | 0x30                 // version 3
	sum[8] = (sum[8] & 0x3f) | 0x80                 // RFC 4122 variant
	u, _ := uuid.FromBytes(sum[:])
	return Identity(u)
}

// NormalizeName lowercases a name for case-insensitive comparison and
// lookups. Stored display names keep their original casing.
func NormalizeName(name string) string {
	return strings.ToLower(name)
}

// ValidateUsername validates a username against protocol constraints and the
// configured minimum length. minLength <= 0 disables the minimum.
func ValidateUsername(name string, minLength int) error {
	if name == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot be empty")
	}
	if len(name) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if minLength > 0 && len(name) < minLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("min", minLength).
			Errorf("username must be at least %d characters", minLength)
	}
	if !usernameRegex.MatchString(name) {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username may contain only letters, numbers, and underscores")
	}
	return nil
}
