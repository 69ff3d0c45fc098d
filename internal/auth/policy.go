// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package auth

import (
	"strings"

	"github.com/samber/oops"
)

// PasswordPolicy holds registration constraints. The zero value applies only
// the name-equality check.
type PasswordPolicy struct {
	// MinLength is the minimum password length. Zero or negative disables.
	MinLength int
}

// Validate checks a candidate password for an account name. Failures wrap
// ErrWeakCredential so callers can classify them as user-correctable.
func (p PasswordPolicy) Validate(name, password string) error {
	if password == "" {
		return oops.Code("AUTH_WEAK_CREDENTIAL").Wrap(ErrWeakCredential)
	}
	if p.MinLength > 0 && len(password) < p.MinLength {
		return oops.Code("AUTH_WEAK_CREDENTIAL").
			With("min", p.MinLength).
			Wrap(ErrWeakCredential)
	}
	if strings.EqualFold(password, name) {
		return oops.Code("AUTH_WEAK_CREDENTIAL").
			With("reason", "password equals account name").
			Wrap(ErrWeakCredential)
	}
	return nil
}
