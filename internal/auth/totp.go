// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package auth

import (
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/samber/oops"
)

// TOTP parameters. A skew of one step tolerates client clock drift of up to
// one period in either direction.
const (
	TotpPeriod = 30 * time.Second
	TotpDigits = otp.DigitsSix
	TotpSkew   = 1
)

// TotpEnrollment is returned when a new secret is generated. The
// provisioning URI is rendered to the player (QR map in the original
// client flow); only the secret is persisted.
type TotpEnrollment struct {
	Secret string
	URI    string
}

// GenerateTotpSecret creates a new TOTP secret for an account. label is the
// issuer shown in authenticator apps (the network name).
func GenerateTotpSecret(label, accountName string) (*TotpEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      label,
		AccountName: accountName,
		Period:      uint(TotpPeriod.Seconds()),
		Digits:      TotpDigits,
	})
	if err != nil {
		return nil, oops.Code("AUTH_TOTP_GENERATE_FAILED").Wrap(err)
	}
	return &TotpEnrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// VerifyTotp validates a code against a secret at the given time, accepting
// the adjacent time steps for clock drift. Replay protection is layered on
// top by ReplayGuard.
func VerifyTotp(secret, code string, at time.Time) (bool, error) {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period: uint(TotpPeriod.Seconds()),
		Skew:   TotpSkew,
		Digits: TotpDigits,
	})
	if err != nil {
		return false, oops.Code("AUTH_TOTP_VERIFY_FAILED").Wrap(err)
	}
	return ok, nil
}

// ReplayGuard rejects reuse of an accepted TOTP code within its validity
// window. Entries expire once the code can no longer validate, bounding
// memory to identities that authenticated recently.
type ReplayGuard struct {
	mu   sync.Mutex
	used map[Identity]usedCode
}

type usedCode struct {
	code     string
	expires  time.Time
}

// NewReplayGuard creates an empty guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{used: make(map[Identity]usedCode)}
}

// MarkUsed records an accepted code. Subsequent IsReplay calls for the same
// identity and code return true until the validity window passes.
func (g *ReplayGuard) MarkUsed(identity Identity, code string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used[identity] = usedCode{
		code: code,
		// Valid steps span (skew+1) periods in either direction.
		expires: at.Add((TotpSkew + 1) * TotpPeriod),
	}
}

// IsReplay reports whether the code was already accepted for the identity
// within its validity window.
func (g *ReplayGuard) IsReplay(identity Identity, code string, at time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.used[identity]
	if !ok {
		return false
	}
	if at.After(entry.expires) {
		delete(g.used, identity)
		return false
	}
	return entry.code == code
}
