// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package auth

import "errors"

// Sentinel errors shared across the authentication core. Callers wrap these
// with oops codes at the failure site; use errors.Is to classify.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdentity is returned when creating a profile for an
	// identity that already has one. The check-and-insert is atomic in every
	// backend, so exactly one of two concurrent creates receives this.
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// ErrStaleWrite is returned when an optimistic-concurrency update finds
	// the stored row changed since it was read. Callers reload and retry.
	ErrStaleWrite = errors.New("stale write")

	// ErrBackendUnavailable is returned when the storage backend cannot be
	// reached or the connection pool acquire times out.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrWeakCredential is returned when a candidate password fails the
	// configured password policy.
	ErrWeakCredential = errors.New("weak credential")

	// ErrInvalidCredentials is returned when a password does not match the
	// stored digest.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidTotp is returned when a TOTP code does not verify or was
	// already used within the same time step.
	ErrInvalidTotp = errors.New("invalid totp code")

	// ErrRateLimited is returned when an attempt is rejected by the
	// brute-force guard.
	ErrRateLimited = errors.New("rate limited")
)
