// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package flow

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/coordinator"
	"github.com/limbogate/limbogate/internal/host"
	"github.com/limbogate/limbogate/internal/premium"
	"github.com/limbogate/limbogate/pkg/errutil"
)

// memProfiles is an in-memory auth.ProfileRepository.
type memProfiles struct {
	mu       sync.Mutex
	profiles map[auth.Identity]*auth.Profile
}

func newMemProfiles() *memProfiles {
	return &memProfiles{profiles: make(map[auth.Identity]*auth.Profile)}
}

func (r *memProfiles) put(p *auth.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	cp := *p
	r.profiles[p.Identity] = &cp
}

func (r *memProfiles) Create(_ context.Context, p *auth.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.Identity]; ok {
		return auth.ErrDuplicateIdentity
	}
	for _, existing := range r.profiles {
		if auth.NormalizeName(existing.Name) == auth.NormalizeName(p.Name) {
			return auth.ErrDuplicateIdentity
		}
	}
	p.Version = 1
	cp := *p
	r.profiles[p.Identity] = &cp
	return nil
}

func (r *memProfiles) Get(_ context.Context, identity auth.Identity) (*auth.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[identity]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memProfiles) GetByName(_ context.Context, name string) (*auth.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := auth.NormalizeName(name)
	for _, p := range r.profiles {
		if auth.NormalizeName(p.Name) == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *memProfiles) Update(_ context.Context, p *auth.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.profiles[p.Identity]
	if !ok {
		return auth.ErrNotFound
	}
	if stored.Version != p.Version {
		return auth.ErrStaleWrite
	}
	p.Version++
	cp := *p
	r.profiles[p.Identity] = &cp
	return nil
}

func (r *memProfiles) CountByAddress(_ context.Context, address string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.profiles {
		if p.LastAddress == address {
			n++
		}
	}
	return n, nil
}

func (r *memProfiles) ResetCredentials(_ context.Context, identity auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[identity]
	if !ok {
		return auth.ErrNotFound
	}
	p.PasswordHash = ""
	p.TotpSecret = ""
	p.Version++
	return nil
}

func (r *memProfiles) Delete(_ context.Context, identity auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[identity]; !ok {
		return auth.ErrNotFound
	}
	delete(r.profiles, identity)
	return nil
}

var _ auth.ProfileRepository = (*memProfiles)(nil)

// memClaims is an in-memory coordinator.ClaimStore.
type memClaims struct {
	mu     sync.Mutex
	claims map[auth.Identity]*coordinator.Claim
}

func newMemClaims() *memClaims {
	return &memClaims{claims: make(map[auth.Identity]*coordinator.Claim)}
}

func (s *memClaims) Upsert(_ context.Context, claim *coordinator.Claim, liveAfter time.Time) (*coordinator.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *coordinator.Claim
	if existing, ok := s.claims[claim.Identity]; ok {
		cp := *existing
		prev = &cp
	}
	claim.Acked = prev == nil ||
		prev.InstanceID == claim.InstanceID ||
		prev.HeartbeatAt.Before(liveAfter)
	cp := *claim
	s.claims[claim.Identity] = &cp
	return prev, nil
}

func (s *memClaims) Get(_ context.Context, identity auth.Identity) (*coordinator.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[identity]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *claim
	return &cp, nil
}

func (s *memClaims) Ack(_ context.Context, identity auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if claim, ok := s.claims[identity]; ok {
		claim.Acked = true
	}
	return nil
}

func (s *memClaims) Release(_ context.Context, identity auth.Identity, instanceID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if claim, ok := s.claims[identity]; ok && claim.InstanceID == instanceID && claim.Token == token {
		delete(s.claims, identity)
	}
	return nil
}

func (s *memClaims) Delete(_ context.Context, identity auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, identity)
	return nil
}

func (s *memClaims) Heartbeat(_ context.Context, instanceID string, at time.Time) (int64, error) {
	return 0, nil
}

func (s *memClaims) ListByInstance(_ context.Context, instanceID string) ([]*coordinator.Claim, error) {
	return nil, nil
}

func (s *memClaims) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

var _ coordinator.ClaimStore = (*memClaims)(nil)

// fakeConn is a scripted host.Connection.
type fakeConn struct {
	name     string
	addr     string
	premium  bool
	identity auth.Identity

	mu         sync.Mutex
	kickReason string
	messages   []string
}

func (c *fakeConn) Name() string                    { return c.name }
func (c *fakeConn) Address() string                 { return c.addr }
func (c *fakeConn) PremiumVerified() bool           { return c.premium }
func (c *fakeConn) PremiumIdentity() auth.Identity  { return c.identity }
func (c *fakeConn) Message(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}
func (c *fakeConn) Kick(_ context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kickReason = reason
	return nil
}

func (c *fakeConn) kicked() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kickReason
}

var _ host.Connection = (*fakeConn)(nil)

// fakeHost records hold/release/kick calls.
type fakeHost struct {
	mu       sync.Mutex
	held     []string
	released []auth.Identity
	kicks    map[auth.Identity]string
}

func newFakeHost() *fakeHost {
	return &fakeHost{kicks: make(map[auth.Identity]string)}
}

func (h *fakeHost) HoldPlayer(_ context.Context, conn host.Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held = append(h.held, conn.Name())
	return nil
}

func (h *fakeHost) ReleasePlayer(_ context.Context, _ host.Connection, identity auth.Identity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, identity)
	return nil
}

func (h *fakeHost) KickIdentity(_ context.Context, identity auth.Identity, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kicks[identity] = reason
	return nil
}

func (h *fakeHost) releasedIdentities() []auth.Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]auth.Identity(nil), h.released...)
}

var _ host.Host = (*fakeHost)(nil)

// fakeResolver serves scripted premium lookups.
type fakeResolver struct {
	results map[string]premium.Result
	err     error
}

func (r *fakeResolver) Resolve(_ context.Context, name string) (premium.Result, error) {
	if r.err != nil {
		return premium.Result{}, r.err
	}
	res, ok := r.results[auth.NormalizeName(name)]
	if !ok {
		return premium.Result{Premium: false}, nil
	}
	return res, nil
}

var _ premium.Resolver = (*fakeResolver)(nil)

type fixture struct {
	machine  *Machine
	profiles *memProfiles
	claims   *memClaims
	coord    *coordinator.Coordinator
	host     *fakeHost
	vault    *auth.Vault
	now      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithGuard(t, cfg, auth.GuardConfig{MaxAttempts: 3})
}

func newFixtureWithGuard(t *testing.T, cfg Config, guardCfg auth.GuardConfig) *fixture {
	t.Helper()

	profiles := newMemProfiles()
	claims := newMemClaims()
	h := newFakeHost()

	vault, err := auth.NewVault(auth.ProviderBcrypt, bcrypt.MinCost, 0, 0, 0)
	require.NoError(t, err)

	guard := auth.NewGuard(guardCfg)
	coord := coordinator.New(claims, coordinator.Config{InstanceID: "proxy-test"}, nil, nil, slog.Default())

	f := &fixture{
		profiles: profiles,
		claims:   claims,
		coord:    coord,
		host:     h,
		vault:    vault,
		now:      time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.machine = New(cfg, profiles, vault, auth.PasswordPolicy{MinLength: 6},
		guard, &fakeResolver{}, coord, h, slog.Default(),
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) registered(t *testing.T, name, password string) *auth.Profile {
	t.Helper()
	digest, err := f.vault.Hash(password)
	require.NoError(t, err)
	profile := auth.NewProfile(auth.OfflineIdentity(auth.NormalizeName(name)), name, false)
	profile.PasswordHash = digest
	f.profiles.put(profile)
	return profile
}

func conn(name string) *fakeConn {
	return &fakeConn{name: name, addr: "203.0.113.7:51234"}
}

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period: uint(auth.TotpPeriod.Seconds()),
		Skew:   auth.TotpSkew,
		Digits: auth.TotpDigits,
	})
	require.NoError(t, err)
	return code
}

func TestFlow_Registration(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	c := conn("Steve")
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"Steve"}, f.host.held)

	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, DispositionRegister, disp)
	assert.Equal(t, StateAwaitingRegistration, sess.State())
	assert.Equal(t, auth.OfflineIdentity("steve"), sess.Identity())

	require.NoError(t, f.machine.SubmitRegistration(ctx, sess, "hunter22!", "hunter22!"))
	assert.Equal(t, StateAuthenticated, sess.State())

	require.NoError(t, f.machine.Release(ctx, sess))
	assert.Equal(t, StateReleased, sess.State())
	assert.Equal(t, []auth.Identity{sess.Identity()}, f.host.releasedIdentities())

	profile, err := f.profiles.Get(ctx, sess.Identity())
	require.NoError(t, err)
	assert.True(t, profile.Registered())
	assert.Equal(t, "203.0.113.7", profile.LastAddress)

	claim, err := f.claims.Get(ctx, sess.Identity())
	require.NoError(t, err)
	assert.Equal(t, "proxy-test", claim.InstanceID)
}

func TestFlow_RegistrationMismatchAndPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)

	err = f.machine.SubmitRegistration(ctx, sess, "hunter22!", "different")
	assert.ErrorIs(t, err, auth.ErrWeakCredential)

	err = f.machine.SubmitRegistration(ctx, sess, "short", "short")
	assert.ErrorIs(t, err, auth.ErrWeakCredential)

	// Still registrable after correctable failures.
	require.NoError(t, f.machine.SubmitRegistration(ctx, sess, "hunter22!", "hunter22!"))
}

func TestFlow_RegistrationIPLimit(t *testing.T) {
	f := newFixture(t, Config{IPLimit: 1})
	ctx := context.Background()

	taken := auth.NewProfile(auth.OfflineIdentity("occupant"), "occupant", false)
	taken.PasswordHash = "x"
	taken.LastAddress = "203.0.113.7"
	f.profiles.put(taken)

	c := conn("Steve")
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)

	err = f.machine.SubmitRegistration(ctx, sess, "hunter22!", "hunter22!")
	assert.ErrorIs(t, err, auth.ErrRateLimited)
	assert.Equal(t, StateRejected, sess.State())
	assert.NotEmpty(t, c.kicked())
}

func TestFlow_RegistrationRateLimited(t *testing.T) {
	f := newFixtureWithGuard(t, Config{}, auth.GuardConfig{
		MaxAttempts:  3,
		AddressRate:  rate.Every(time.Hour),
		AddressBurst: 1,
	})
	ctx := context.Background()

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, f.machine.SubmitRegistration(ctx, sess, "hunter22!", "hunter22!"))

	// A second registration from the same address bucket exhausts the
	// per-address budget.
	sess2, err := f.machine.Begin(ctx, conn("Alex"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess2)
	require.NoError(t, err)

	err = f.machine.SubmitRegistration(ctx, sess2, "hunter22!", "hunter22!")
	assert.ErrorIs(t, err, auth.ErrRateLimited)
	errutil.AssertErrorCode(t, err, "FLOW_RATE_LIMITED")
}

func TestFlow_RegistrationHonorsCooldown(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.registered(t, "Steve", "hunter22!")

	// Trip the guard with failed password attempts for the identity.
	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		err = f.machine.SubmitPassword(ctx, sess, "wrong")
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	// Wiping the account does not reopen the door: re-registration from
	// the same identity and address stays in cooldown.
	require.NoError(t, f.profiles.ResetCredentials(ctx, sess.Identity()))
	sess2, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	disp, err := f.machine.ResolveIdentity(ctx, sess2)
	require.NoError(t, err)
	require.Equal(t, DispositionRegister, disp)

	err = f.machine.SubmitRegistration(ctx, sess2, "newpass99", "newpass99")
	assert.ErrorIs(t, err, auth.ErrRateLimited)
}

func TestFlow_PasswordLogin(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.registered(t, "Steve", "hunter22!")

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, DispositionPassword, disp)

	err = f.machine.SubmitPassword(ctx, sess, "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Equal(t, StateAwaitingPassword, sess.State())

	require.NoError(t, f.machine.SubmitPassword(ctx, sess, "hunter22!"))
	assert.Equal(t, StateAuthenticated, sess.State())
}

func TestFlow_PasswordRateLimit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.registered(t, "Steve", "hunter22!")

	c := conn("Steve")
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)

	// The third failure trips the guard and rejects the session.
	for i := 0; i < 3; i++ {
		err = f.machine.SubmitPassword(ctx, sess, "wrong")
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	assert.Equal(t, StateRejected, sess.State())
	assert.NotEmpty(t, c.kicked())

	// A fresh session for the same identity and address is in cooldown.
	sess2, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess2)
	require.NoError(t, err)

	err = f.machine.SubmitPassword(ctx, sess2, "hunter22!")
	assert.ErrorIs(t, err, auth.ErrRateLimited)
	errutil.AssertErrorCode(t, err, "FLOW_RATE_LIMITED")
}

// loginPassword drives a registered player through the password step.
func loginPassword(t *testing.T, f *fixture, c *fakeConn, password string) *Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)
	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, DispositionPassword, disp)
	require.NoError(t, f.machine.SubmitPassword(ctx, sess, password))
	return sess
}

func TestFlow_DuplicateLoginSameInstance(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.registered(t, "Steve", "hunter22!")

	c1 := conn("Steve")
	sess1 := loginPassword(t, f, c1, "hunter22!")

	sess2 := loginPassword(t, f, conn("Steve"), "hunter22!")
	identity := sess2.Identity()

	// The second login displaces the first, exactly as a claim from
	// another instance would.
	assert.Equal(t, StateRejected, sess1.State())
	assert.Equal(t, "logged in from another location", c1.kicked())
	assert.Equal(t, StateAuthenticated, sess2.State())

	// The displaced session's disconnect must not touch the live claim.
	f.machine.Disconnect(ctx, sess1)
	assert.True(t, f.coord.Holds(identity))
	claim, err := f.claims.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "proxy-test", claim.InstanceID)

	require.NoError(t, f.machine.Release(ctx, sess2))
	assert.Equal(t, StateReleased, sess2.State())
}

func TestFlow_DuplicateLoginAfterRelease(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.registered(t, "Steve", "hunter22!")

	sess1 := loginPassword(t, f, conn("Steve"), "hunter22!")
	require.NoError(t, f.machine.Release(ctx, sess1))
	identity := sess1.Identity()

	// The first player is already out of limbo, so the host does the kick.
	sess2 := loginPassword(t, f, conn("Steve"), "hunter22!")
	assert.Equal(t, "logged in from another location", f.host.kicks[identity])

	f.machine.Disconnect(ctx, sess1)
	assert.True(t, f.coord.Holds(identity))
	_, err := f.claims.Get(ctx, identity)
	require.NoError(t, err)

	require.NoError(t, f.machine.Release(ctx, sess2))
}

func TestFlow_DigestUpgradeOnLogin(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// Profile hashed under argon2id while the vault's primary is bcrypt.
	argonVault, err := auth.NewVault(auth.ProviderArgon2id, 0, 1, 16*1024, 1)
	require.NoError(t, err)
	digest, err := argonVault.Hash("hunter22!")
	require.NoError(t, err)
	profile := auth.NewProfile(auth.OfflineIdentity("steve"), "Steve", false)
	profile.PasswordHash = digest
	f.profiles.put(profile)

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, f.machine.SubmitPassword(ctx, sess, "hunter22!"))

	stored, err := f.profiles.Get(ctx, profile.Identity)
	require.NoError(t, err)
	assert.NotEqual(t, digest, stored.PasswordHash, "digest rewritten under the primary provider")
	ok, err := f.vault.Verify("hunter22!", stored.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFlow_TotpLogin(t *testing.T) {
	f := newFixture(t, Config{TotpEnabled: true})
	ctx := context.Background()

	profile := f.registered(t, "Steve", "hunter22!")
	enrollment, err := auth.GenerateTotpSecret("network", "Steve")
	require.NoError(t, err)
	profile.TotpSecret = enrollment.Secret
	f.profiles.put(profile)

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, f.machine.SubmitPassword(ctx, sess, "hunter22!"))
	assert.Equal(t, StateAwaitingTotp, sess.State())

	err = f.machine.SubmitTotp(ctx, sess, "000000")
	assert.ErrorIs(t, err, auth.ErrInvalidTotp)

	code := totpCode(t, enrollment.Secret, f.now)
	require.NoError(t, f.machine.SubmitTotp(ctx, sess, code))
	assert.Equal(t, StateAuthenticated, sess.State())

	// A second login reusing the accepted code is a replay.
	sess2, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess2)
	require.NoError(t, err)
	require.NoError(t, f.machine.SubmitPassword(ctx, sess2, "hunter22!"))

	err = f.machine.SubmitTotp(ctx, sess2, code)
	assert.ErrorIs(t, err, auth.ErrInvalidTotp)
	errutil.AssertErrorCode(t, err, "FLOW_TOTP_REPLAY")
}

func TestFlow_TotpAttemptBudget(t *testing.T) {
	f := newFixture(t, Config{TotpEnabled: true, MaxTotpAttempts: 2})
	ctx := context.Background()

	profile := f.registered(t, "Steve", "hunter22!")
	enrollment, err := auth.GenerateTotpSecret("network", "Steve")
	require.NoError(t, err)
	profile.TotpSecret = enrollment.Secret
	f.profiles.put(profile)

	c := conn("Steve")
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, f.machine.SubmitPassword(ctx, sess, "hunter22!"))

	for i := 0; i < 2; i++ {
		err = f.machine.SubmitTotp(ctx, sess, "000000")
		assert.ErrorIs(t, err, auth.ErrInvalidTotp)
	}
	err = f.machine.SubmitTotp(ctx, sess, "000000")
	assert.ErrorIs(t, err, auth.ErrRateLimited)
	assert.Equal(t, StateRejected, sess.State())
	assert.NotEmpty(t, c.kicked())
}

func TestFlow_SessionResume(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: time.Hour})
	ctx := context.Background()

	profile := f.registered(t, "Steve", "hunter22!")
	profile.LastAddress = "203.0.113.7"
	profile.LastSeenAt = f.now.Add(-30 * time.Minute)
	f.profiles.put(profile)

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, DispositionVerified, disp, "recent login from the same address skips the password")
	assert.Equal(t, StateAuthenticated, sess.State())
}

func TestFlow_SessionResumeExpired(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: time.Hour})
	ctx := context.Background()

	profile := f.registered(t, "Steve", "hunter22!")
	profile.LastAddress = "203.0.113.7"
	profile.LastSeenAt = f.now.Add(-2 * time.Hour)
	f.profiles.put(profile)

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, DispositionPassword, disp)
}

func TestFlow_SessionResumeDifferentAddress(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: time.Hour})
	ctx := context.Background()

	profile := f.registered(t, "Steve", "hunter22!")
	profile.LastAddress = "198.51.100.9"
	profile.LastSeenAt = f.now.Add(-time.Minute)
	f.profiles.put(profile)

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, DispositionPassword, disp)
}

func premiumConn(name string, identity auth.Identity) *fakeConn {
	return &fakeConn{name: name, addr: "203.0.113.7:51234", premium: true, identity: identity}
}

func TestFlow_PremiumFirstJoin(t *testing.T) {
	f := newFixture(t, Config{TotpEnabled: true})
	ctx := context.Background()

	identity := auth.Identity{0x01, 0x02}
	sess, err := f.machine.Begin(ctx, premiumConn("Notch", identity))
	require.NoError(t, err)

	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, DispositionVerified, disp)
	assert.Equal(t, StatePremiumVerified, sess.State())

	require.NoError(t, f.machine.Authenticate(ctx, sess))
	assert.Equal(t, StateAuthenticated, sess.State())

	profile, err := f.profiles.Get(ctx, identity)
	require.NoError(t, err)
	assert.True(t, profile.Premium)
	assert.Equal(t, "Notch", profile.Name)
	assert.False(t, profile.Registered(), "premium profiles need no password")
}

func TestFlow_PremiumWithTotp(t *testing.T) {
	f := newFixture(t, Config{TotpEnabled: true})
	ctx := context.Background()

	identity := auth.Identity{0x01, 0x02}
	profile := auth.NewProfile(identity, "Notch", true)
	enrollment, err := auth.GenerateTotpSecret("network", "Notch")
	require.NoError(t, err)
	profile.TotpSecret = enrollment.Secret
	f.profiles.put(profile)

	sess, err := f.machine.Begin(ctx, premiumConn("Notch", identity))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, f.machine.Authenticate(ctx, sess))
	assert.Equal(t, StateAwaitingTotp, sess.State(), "an enrolled second factor still gates premium logins")

	code := totpCode(t, enrollment.Secret, f.now)
	require.NoError(t, f.machine.SubmitTotp(ctx, sess, code))
	assert.Equal(t, StateAuthenticated, sess.State())
}

func TestFlow_ConflictBlock(t *testing.T) {
	f := newFixture(t, Config{ConflictStrategy: ConflictBlock})
	ctx := context.Background()

	f.registered(t, "Notch", "hunter22!") // cracked profile holding the name

	c := premiumConn("Notch", auth.Identity{0x01, 0x02})
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)

	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "FLOW_NAME_CONFLICT")
	errutil.AssertErrorContext(t, err, "name", "Notch")
	assert.Equal(t, StateRejected, sess.State())
	assert.NotEmpty(t, c.kicked())
}

func TestFlow_ConflictUseOffline(t *testing.T) {
	f := newFixture(t, Config{ConflictStrategy: ConflictUseOffline})
	ctx := context.Background()

	cracked := f.registered(t, "Notch", "hunter22!")

	sess, err := f.machine.Begin(ctx, premiumConn("Notch", auth.Identity{0x01, 0x02}))
	require.NoError(t, err)

	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, DispositionPassword, disp, "cracked profile stays authoritative")
	assert.Equal(t, cracked.Identity, sess.Identity())

	require.NoError(t, f.machine.SubmitPassword(ctx, sess, "hunter22!"))
}

func TestFlow_ConflictOverwrite(t *testing.T) {
	f := newFixture(t, Config{ConflictStrategy: ConflictOverwrite})
	ctx := context.Background()

	cracked := f.registered(t, "Notch", "hunter22!")
	identity := auth.Identity{0x01, 0x02}

	sess, err := f.machine.Begin(ctx, premiumConn("Notch", identity))
	require.NoError(t, err)

	disp, err := f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, DispositionVerified, disp)
	assert.Equal(t, identity, sess.Identity())

	_, err = f.profiles.Get(ctx, cracked.Identity)
	assert.ErrorIs(t, err, auth.ErrNotFound, "cracked profile evicted")
}

func TestFlow_OfflineConnectionForPremiumProfile(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	premiumProfile := auth.NewProfile(auth.Identity{0x01, 0x02}, "Notch", true)
	f.profiles.put(premiumProfile)

	c := conn("Notch")
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)

	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "FLOW_PREMIUM_REQUIRED")
	assert.Equal(t, StateRejected, sess.State())
}

func TestFlow_IllegalTransitions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)

	// Credentials before identity resolution.
	err = f.machine.SubmitPassword(ctx, sess, "x")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	err = f.machine.SubmitRegistration(ctx, sess, "x", "x")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	err = f.machine.SubmitTotp(ctx, sess, "000000")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	err = f.machine.Release(ctx, sess)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// Resolving twice.
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestFlow_ShortUsernameRejected(t *testing.T) {
	f := newFixture(t, Config{MinUsernameLength: 3})
	ctx := context.Background()

	c := conn("ab")
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)

	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.Error(t, err)
	assert.Equal(t, StateRejected, sess.State())
	assert.NotEmpty(t, c.kicked())
}

func TestFlow_ExpireStale(t *testing.T) {
	f := newFixture(t, Config{AuthTimeout: time.Minute})
	ctx := context.Background()

	f.registered(t, "Steve", "hunter22!")

	c := conn("Steve")
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)

	// Not yet expired.
	f.machine.ExpireStale(ctx, f.now.Add(30*time.Second))
	assert.Equal(t, StateAwaitingPassword, sess.State())

	f.machine.ExpireStale(ctx, f.now.Add(2*time.Minute))
	assert.Equal(t, StateRejected, sess.State())
	assert.Equal(t, "took too long to log in", c.kicked())
}

func TestFlow_ExpireStaleSparesAuthenticated(t *testing.T) {
	f := newFixture(t, Config{AuthTimeout: time.Minute})
	ctx := context.Background()

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, f.machine.SubmitRegistration(ctx, sess, "hunter22!", "hunter22!"))

	f.machine.ExpireStale(ctx, f.now.Add(time.Hour))
	assert.Equal(t, StateAuthenticated, sess.State())
}

func TestFlow_DisconnectReleasesClaim(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, f.machine.SubmitRegistration(ctx, sess, "hunter22!", "hunter22!"))

	identity := sess.Identity()
	_, err = f.claims.Get(ctx, identity)
	require.NoError(t, err)

	f.machine.Disconnect(ctx, sess)
	_, err = f.claims.Get(ctx, identity)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestFlow_RevokeLocal(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	c := conn("Steve")
	sess, err := f.machine.Begin(ctx, c)
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, f.machine.SubmitRegistration(ctx, sess, "hunter22!", "hunter22!"))

	f.machine.RevokeLocal(sess.Identity(), "logged in from another location")

	assert.Equal(t, StateRejected, sess.State())
	assert.Equal(t, "logged in from another location", c.kicked())
	assert.Equal(t, "logged in from another location", f.host.kicks[sess.Identity()])
}

func TestFlow_ChangePassword(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	profile := f.registered(t, "Steve", "hunter22!")

	err := f.machine.ChangePassword(ctx, profile.Identity, "wrong", "newpass99")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	err = f.machine.ChangePassword(ctx, profile.Identity, "hunter22!", "steve")
	assert.ErrorIs(t, err, auth.ErrWeakCredential)

	require.NoError(t, f.machine.ChangePassword(ctx, profile.Identity, "hunter22!", "newpass99"))

	stored, err := f.profiles.Get(ctx, profile.Identity)
	require.NoError(t, err)
	ok, err := f.vault.Verify("newpass99", stored.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFlow_TotpEnrollment(t *testing.T) {
	f := newFixture(t, Config{NetworkName: "testnet", TotpEnabled: true})
	ctx := context.Background()

	profile := f.registered(t, "Steve", "hunter22!")

	enrollment, err := f.machine.BeginTotpEnrollment(ctx, profile.Identity)
	require.NoError(t, err)
	assert.Contains(t, enrollment.URI, "testnet")

	err = f.machine.ConfirmTotpEnrollment(ctx, profile.Identity, "000000")
	assert.ErrorIs(t, err, auth.ErrInvalidTotp)

	code := totpCode(t, enrollment.Secret, f.now)
	require.NoError(t, f.machine.ConfirmTotpEnrollment(ctx, profile.Identity, code))

	stored, err := f.profiles.Get(ctx, profile.Identity)
	require.NoError(t, err)
	assert.Equal(t, enrollment.Secret, stored.TotpSecret)

	// Pending state is consumed.
	err = f.machine.ConfirmTotpEnrollment(ctx, profile.Identity, code)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestFlow_TotpEnrollmentUnregistered(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	profile := auth.NewProfile(auth.OfflineIdentity("steve"), "Steve", false)
	f.profiles.put(profile)

	_, err := f.machine.BeginTotpEnrollment(ctx, profile.Identity)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestFlow_ForceLogout(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	sess, err := f.machine.Begin(ctx, conn("Steve"))
	require.NoError(t, err)
	_, err = f.machine.ResolveIdentity(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, f.machine.SubmitRegistration(ctx, sess, "hunter22!", "hunter22!"))

	identity := sess.Identity()
	require.NoError(t, f.machine.ForceLogout(ctx, identity))

	assert.Equal(t, StateRejected, sess.State())
	_, err = f.claims.Get(ctx, identity)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestFlow_ResetCredentials(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	profile := f.registered(t, "Steve", "hunter22!")

	require.NoError(t, f.machine.ResetCredentials(ctx, profile.Identity))

	stored, err := f.profiles.Get(ctx, profile.Identity)
	require.NoError(t, err)
	assert.False(t, stored.Registered())
	assert.False(t, stored.HasTotp())
}

func TestPreLogin(t *testing.T) {
	f := newFixture(t, Config{AutoRegister: true})
	ctx := context.Background()

	// Registered premium profile gets the handshake.
	premiumProfile := auth.NewProfile(auth.Identity{0x01}, "Notch", true)
	f.profiles.put(premiumProfile)
	online, err := f.machine.PreLogin(ctx, "Notch")
	require.NoError(t, err)
	assert.True(t, online)

	// Registered cracked profile stays offline.
	f.registered(t, "Steve", "hunter22!")
	online, err = f.machine.PreLogin(ctx, "Steve")
	require.NoError(t, err)
	assert.False(t, online)

	// Unknown name, resolver says premium with exact casing.
	f.machine.resolver = &fakeResolver{results: map[string]premium.Result{
		"jeb_": {Premium: true, Name: "jeb_", Identity: auth.Identity{0x02}},
	}}
	online, err = f.machine.PreLogin(ctx, "jeb_")
	require.NoError(t, err)
	assert.True(t, online)

	// Casing mismatch means a different, unpaid spelling of the name.
	online, err = f.machine.PreLogin(ctx, "JEB_")
	require.NoError(t, err)
	assert.False(t, online)

	// Resolver failure degrades to the offline path.
	f.machine.resolver = &fakeResolver{err: context.DeadlineExceeded}
	online, err = f.machine.PreLogin(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPreLogin_InvalidUsername(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.machine.PreLogin(context.Background(), "bad name!")
	assert.Error(t, err)
}
