// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Default argon2id parameters (OWASP-recommended baseline).
const (
	defaultArgon2Time    = 1         // iterations
	defaultArgon2Memory  = 64 * 1024 // 64 MB
	defaultArgon2Threads = 4         // parallelism
	argon2SaltLen        = 16        // salt length in bytes
	argon2KeyLen         = 32        // output length in bytes
)

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// PasswordHasher produces and verifies password digests. Digests embed the
// algorithm identifier and cost parameters, so historical digests produced
// with older parameters keep verifying, and NeedsRehash signals when a
// digest should be re-produced with the current configuration on a
// successful login.
type PasswordHasher interface {
	// Hash produces a digest of the password with the current parameters.
	Hash(password string) (string, error)

	// Verify checks the password against the digest using a constant-time
	// comparison. Returns (true, nil) on match, (false, nil) on mismatch,
	// or an error for an unparseable digest.
	Verify(password, digest string) (bool, error)

	// NeedsRehash reports whether the digest was produced with a different
	// algorithm or weaker cost than currently configured.
	NeedsRehash(digest string) bool
}

// Argon2idHasher implements PasswordHasher using argon2id in PHC string
// format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
type Argon2idHasher struct {
	time    uint32
	memory  uint32
	threads uint8
}

// NewArgon2idHasher creates a hasher with the default cost parameters.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{
		time:    defaultArgon2Time,
		memory:  defaultArgon2Memory,
		threads: defaultArgon2Threads,
	}
}

// NewArgon2idHasherWithCost creates a hasher with explicit cost parameters.
// Zero values fall back to the defaults.
func NewArgon2idHasherWithCost(time, memory uint32, threads uint8) *Argon2idHasher {
	h := NewArgon2idHasher()
	if time > 0 {
		h.time = time
	}
	if memory > 0 {
		h.memory = memory
	}
	if threads > 0 {
		h.threads = threads
	}
	return h
}

// Hash produces an argon2id digest of the password.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	hash := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, argon2KeyLen)

	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory,
		h.time,
		h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// Verify checks the password against an argon2id digest. The parameters
// embedded in the digest are used, not the hasher's current configuration,
// so digests hashed under older costs remain verifiable.
func (h *Argon2idHasher) Verify(password, digest string) (bool, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}

	if parts[1] != "argon2id" {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	if threads > 255 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("threads value %d exceeds uint8 max", threads)
	}

	keyLen := len(expected)
	if keyLen <= 0 || keyLen > 1<<30 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash key length: %d", keyLen)
	}

	computed := argon2.IDKey([]byte(password), salt, time, memory, uint8(threads), uint32(keyLen))

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// NeedsRehash reports whether the digest uses a different algorithm or a
// lower cost than the hasher's current configuration.
func (h *Argon2idHasher) NeedsRehash(digest string) bool {
	if !strings.HasPrefix(digest, "$argon2id$") {
		return true
	}
	parts := strings.Split(digest, "$")
	if len(parts) != 6 {
		return true
	}
	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return true
	}
	return memory < h.memory || time < h.time
}

// BcryptHasher implements PasswordHasher using bcrypt ($2a$). The digest
// format embeds the cost, so digests hashed under an older cost verify and
// report NeedsRehash until re-hashed on a successful login.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a bcrypt hasher. cost <= 0 uses bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash produces a bcrypt digest of the password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", oops.Code("AUTH_HASH_FAILED").Wrap(err)
	}
	return string(digest), nil
}

// Verify checks the password against a bcrypt digest.
func (h *BcryptHasher) Verify(password, digest string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case err == bcrypt.ErrMismatchedHashAndPassword:
		return false, nil
	default:
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
}

// NeedsRehash reports whether the digest is not bcrypt or has a lower cost.
func (h *BcryptHasher) NeedsRehash(digest string) bool {
	if !strings.HasPrefix(digest, "$2") {
		return true
	}
	cost, err := bcrypt.Cost([]byte(digest))
	if err != nil {
		return true
	}
	return cost < h.cost
}

// isBcryptDigest reports whether the digest is in bcrypt's $2x$ format.
func isBcryptDigest(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") ||
		strings.HasPrefix(digest, "$2b$") ||
		strings.HasPrefix(digest, "$2y$")
}
