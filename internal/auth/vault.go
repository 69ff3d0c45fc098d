// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package auth

import (
	"strings"

	"github.com/samber/oops"
)

// Provider names accepted by the default-crypto-provider setting.
const (
	ProviderBcrypt   = "BCrypt-2A"
	ProviderArgon2id = "Argon-2ID"
)

// Vault is the credential vault. New digests are produced with the primary
// hasher; verification dispatches on the algorithm identifier embedded in
// the digest, so profiles hashed under the other provider (or an older
// cost) keep logging in and are re-hashed on success.
//
// Plaintext passwords never leave this type: it neither logs nor stores them.
type Vault struct {
	primary  PasswordHasher
	argon2id *Argon2idHasher
	bcrypt   *BcryptHasher
}

// NewVault creates a vault with the named primary provider.
func NewVault(provider string, bcryptCost int, argonTime, argonMemory uint32, argonThreads uint8) (*Vault, error) {
	v := &Vault{
		argon2id: NewArgon2idHasherWithCost(argonTime, argonMemory, argonThreads),
		bcrypt:   NewBcryptHasher(bcryptCost),
	}
	switch provider {
	case ProviderArgon2id:
		v.primary = v.argon2id
	case ProviderBcrypt, "":
		v.primary = v.bcrypt
	default:
		return nil, oops.Code("AUTH_UNKNOWN_PROVIDER").
			With("provider", provider).
			Errorf("unknown crypto provider: %s", provider)
	}
	return v, nil
}

// Hash produces a digest with the primary provider.
func (v *Vault) Hash(password string) (string, error) {
	return v.primary.Hash(password)
}

// Verify checks a password against a digest of any supported algorithm.
func (v *Vault) Verify(password, digest string) (bool, error) {
	h, err := v.hasherFor(digest)
	if err != nil {
		return false, err
	}
	return h.Verify(password, digest)
}

// NeedsRehash reports whether a digest should be re-produced with the
// primary provider's current parameters on the next successful login.
func (v *Vault) NeedsRehash(digest string) bool {
	return v.primary.NeedsRehash(digest)
}

func (v *Vault) hasherFor(digest string) (PasswordHasher, error) {
	switch {
	case strings.HasPrefix(digest, "$argon2id$"):
		return v.argon2id, nil
	case isBcryptDigest(digest):
		return v.bcrypt, nil
	default:
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unrecognized digest format")
	}
}
