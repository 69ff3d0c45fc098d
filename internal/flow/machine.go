// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package flow

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/coordinator"
	"github.com/limbogate/limbogate/internal/host"
	"github.com/limbogate/limbogate/internal/premium"
)

// ConflictStrategy decides what happens when a premium-verified player's
// name is already registered to a different, cracked identity.
type ConflictStrategy string

const (
	// ConflictBlock refuses the premium connection.
	ConflictBlock ConflictStrategy = "BLOCK"

	// ConflictUseOffline keeps the cracked profile authoritative; the
	// premium player must know its password.
	ConflictUseOffline ConflictStrategy = "USE_OFFLINE"

	// ConflictOverwrite deletes the cracked profile and hands the name to
	// the premium identity.
	ConflictOverwrite ConflictStrategy = "OVERWRITE"
)

// Flow defaults, matching the shipped configuration.
const (
	DefaultAuthTimeout     = 250 * time.Second
	DefaultSessionTimeout  = time.Hour
	DefaultMaxTotpAttempts = 3
)

// Config tunes the login flow.
type Config struct {
	// NetworkName is shown as the issuer in authenticator apps.
	NetworkName string

	// MinUsernameLength below which names are rejected. Zero disables.
	MinUsernameLength int

	// AutoRegister skips the password step for names the premium resolver
	// proves are paid accounts, creating the profile on first join.
	AutoRegister bool

	// IPLimit caps registered accounts per address. Zero disables.
	IPLimit int

	// SessionTimeout is the resume window: a registered cracked player
	// reconnecting from the same address within it skips the password.
	// Zero disables resumption.
	SessionTimeout time.Duration

	// AuthTimeout is how long a session may stay unauthenticated in limbo.
	AuthTimeout time.Duration

	// TotpEnabled gates the second-factor step for enrolled profiles.
	TotpEnabled bool

	// MaxTotpAttempts before the session is rejected.
	MaxTotpAttempts int

	// ConflictStrategy for premium names colliding with cracked profiles.
	ConflictStrategy ConflictStrategy
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.MaxTotpAttempts <= 0 {
		c.MaxTotpAttempts = DefaultMaxTotpAttempts
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = ConflictBlock
	}
	return c
}

// Disposition tells the caller what the session needs next after identity
// resolution.
type Disposition int

const (
	// DispositionPassword: registered account, ask for the password.
	DispositionPassword Disposition = iota

	// DispositionRegister: new account, ask for a password to register.
	DispositionRegister

	// DispositionVerified: no credential needed; release when ready.
	DispositionVerified
)

// Metrics are the flow's observability hooks. Any field may be nil.
type Metrics struct {
	// Outcomes counts terminal auth results, labeled result and method.
	Outcomes *prometheus.CounterVec

	// ClaimWait observes how long coordination claims took.
	ClaimWait prometheus.Observer

	// Active gauges sessions currently in flight.
	Active prometheus.Gauge
}

// Machine orchestrates login sessions against the profile store, the
// credential vault, the premium resolver, and the cross-instance
// coordinator.
type Machine struct {
	cfg      Config
	profiles auth.ProfileRepository
	vault    *auth.Vault
	policy   auth.PasswordPolicy
	guard    *auth.Guard
	replay   *auth.ReplayGuard
	resolver premium.Resolver
	coord    *coordinator.Coordinator
	host     host.Host
	logger   *slog.Logger
	metrics  *Metrics
	clock    func() time.Time

	mu          sync.Mutex
	sessions    map[string]*Session       // by session ID
	byIdentity  map[auth.Identity]string  // identity -> session ID
	pendingTotp map[auth.Identity]*auth.TotpEnrollment
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics attaches observability hooks.
func WithMetrics(m *Metrics) Option {
	return func(machine *Machine) { machine.metrics = m }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) { machine.clock = now }
}

// New creates a Machine. resolver may be nil when premium lookups are
// disabled; coord and h must be non-nil.
func New(
	cfg Config,
	profiles auth.ProfileRepository,
	vault *auth.Vault,
	policy auth.PasswordPolicy,
	guard *auth.Guard,
	resolver premium.Resolver,
	coord *coordinator.Coordinator,
	h host.Host,
	logger *slog.Logger,
	opts ...Option,
) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		cfg:         cfg.withDefaults(),
		profiles:    profiles,
		vault:       vault,
		policy:      policy,
		guard:       guard,
		replay:      auth.NewReplayGuard(),
		resolver:    resolver,
		coord:       coord,
		host:        h,
		logger:      logger,
		clock:       time.Now,
		sessions:    make(map[string]*Session),
		byIdentity:  make(map[auth.Identity]string),
		pendingTotp: make(map[auth.Identity]*auth.TotpEnrollment),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PreLogin decides, before any handshake, whether the host should run the
// upstream cryptographic handshake for the connecting name. Registered
// premium profiles always get the handshake; with auto-register enabled,
// unknown names proven premium by the resolver do too. Resolver failures
// degrade to the offline path rather than refusing the join.
func (m *Machine) PreLogin(ctx context.Context, rawName string) (bool, error) {
	if err := auth.ValidateUsername(rawName, m.cfg.MinUsernameLength); err != nil {
		return false, err
	}

	profile, err := m.profiles.GetByName(ctx, auth.NormalizeName(rawName))
	switch {
	case err == nil:
		return profile.Premium, nil
	case !errors.Is(err, auth.ErrNotFound):
		return false, err
	}

	if !m.cfg.AutoRegister || m.resolver == nil {
		return false, nil
	}
	res, err := m.resolver.Resolve(ctx, rawName)
	if err != nil {
		m.logger.Warn("premium lookup failed; treating name as offline",
			"name", rawName, "error", err)
		return false, nil
	}
	// Casing must match exactly, or a cracked player could shadow a paid
	// account by registering a lowercase variant of its name.
	return res.Premium && res.Name == rawName, nil
}

// Begin starts a session for a fresh connection and places it in limbo.
func (m *Machine) Begin(ctx context.Context, conn host.Connection) (*Session, error) {
	if err := m.host.HoldPlayer(ctx, conn); err != nil {
		return nil, oops.Code("FLOW_HOLD_FAILED").Wrap(err)
	}
	sess := newSession(conn, m.clock().Add(m.cfg.AuthTimeout))

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if m.metrics != nil && m.metrics.Active != nil {
		m.metrics.Active.Inc()
	}
	return sess, nil
}

// ResolveIdentity validates the username, maps it to an identity, and
// decides the credential path. For premium-verified connections it applies
// the configured conflict strategy against existing cracked profiles.
func (m *Machine) ResolveIdentity(ctx context.Context, sess *Session) (Disposition, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.requireLocked(StateConnecting); err != nil {
		return 0, err
	}

	rawName := sess.conn.Name()
	if err := auth.ValidateUsername(rawName, m.cfg.MinUsernameLength); err != nil {
		m.rejectLocked(ctx, sess, "invalid username")
		return 0, err
	}
	if err := sess.transitionLocked(StateIdentityResolved); err != nil {
		return 0, err
	}

	if sess.conn.PremiumVerified() {
		return m.resolvePremiumLocked(ctx, sess, rawName)
	}
	return m.resolveOfflineLocked(ctx, sess, rawName)
}

func (m *Machine) resolvePremiumLocked(ctx context.Context, sess *Session, rawName string) (Disposition, error) {
	identity := sess.conn.PremiumIdentity()

	existing, err := m.profiles.GetByName(ctx, auth.NormalizeName(rawName))
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return 0, err
	}

	if existing != nil && existing.Identity != identity && !existing.Premium {
		switch m.cfg.ConflictStrategy {
		case ConflictUseOffline:
			// The cracked profile keeps the name; the premium player
			// authenticates against it like anyone else.
			return m.adoptProfileLocked(ctx, sess, existing)
		case ConflictOverwrite:
			if err := m.profiles.Delete(ctx, existing.Identity); err != nil {
				return 0, err
			}
			m.logger.Info("cracked profile overwritten by premium claimant",
				"name", rawName, "evicted", existing.Identity.String())
		default:
			m.rejectLocked(ctx, sess, "this name is already registered")
			return 0, oops.Code("FLOW_NAME_CONFLICT").
				With("name", rawName).
				Errorf("premium name held by cracked profile")
		}
	}

	profile, err := m.profiles.Get(ctx, identity)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		profile = auth.NewProfile(identity, rawName, true)
		if err := m.profiles.Create(ctx, profile); err != nil && !errors.Is(err, auth.ErrDuplicateIdentity) {
			return 0, err
		}
	case err != nil:
		return 0, err
	}

	sess.identity = identity
	sess.name = rawName
	sess.premium = true
	sess.profile = profile

	if err := sess.transitionLocked(StatePremiumVerified); err != nil {
		return 0, err
	}
	return DispositionVerified, nil
}

func (m *Machine) resolveOfflineLocked(ctx context.Context, sess *Session, rawName string) (Disposition, error) {
	normalized := auth.NormalizeName(rawName)

	profile, err := m.profiles.GetByName(ctx, normalized)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		sess.identity = auth.OfflineIdentity(normalized)
		sess.name = rawName
		if err := sess.transitionLocked(StateAwaitingRegistration); err != nil {
			return 0, err
		}
		return DispositionRegister, nil
	case err != nil:
		return 0, err
	}

	if profile.Premium {
		// PreLogin should have routed this name through the handshake.
		m.rejectLocked(ctx, sess, "this account requires premium verification")
		return 0, oops.Code("FLOW_PREMIUM_REQUIRED").
			With("name", rawName).
			Errorf("offline connection for premium profile")
	}
	return m.adoptProfileLocked(ctx, sess, profile)
}

// adoptProfileLocked binds the session to an existing cracked profile and
// picks password, registration, or resume.
func (m *Machine) adoptProfileLocked(ctx context.Context, sess *Session, profile *auth.Profile) (Disposition, error) {
	sess.identity = profile.Identity
	sess.name = profile.Name
	sess.premium = false
	sess.profile = profile

	if !profile.Registered() {
		if err := sess.transitionLocked(StateAwaitingRegistration); err != nil {
			return 0, err
		}
		return DispositionRegister, nil
	}

	if m.resumableLocked(sess, profile) {
		if err := m.authenticateLocked(ctx, sess); err != nil {
			return 0, err
		}
		m.logger.Info("session resumed", "session", sess.ID, "name", sess.name)
		m.countOutcome("success", "resume")
		return DispositionVerified, nil
	}

	if err := sess.transitionLocked(StateAwaitingPassword); err != nil {
		return 0, err
	}
	return DispositionPassword, nil
}

// resumableLocked reports whether the profile's last login is recent
// enough, and from the same address, to skip the password.
func (m *Machine) resumableLocked(sess *Session, profile *auth.Profile) bool {
	if m.cfg.SessionTimeout <= 0 || profile.LastAddress == "" {
		return false
	}
	if hostOnly(sess.conn.Address()) != profile.LastAddress {
		return false
	}
	return m.clock().Sub(profile.LastSeenAt) <= m.cfg.SessionTimeout
}

// SubmitPassword verifies a registered player's password. The digest is
// transparently upgraded when the vault's primary provider or cost
// changed since it was written.
func (m *Machine) SubmitPassword(ctx context.Context, sess *Session, password string) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.requireLocked(StateAwaitingPassword); err != nil {
		return err
	}

	now := m.clock()
	addr := sess.conn.Address()
	if ok, wait := m.guard.AllowAttempt(sess.identity, addr, now); !ok {
		m.countOutcome("rate_limited", "password")
		return oops.Code("FLOW_RATE_LIMITED").
			With("retry_after", wait).
			Wrap(auth.ErrRateLimited)
	}

	ok, err := m.vault.Verify(password, sess.profile.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		tripped, _ := m.guard.RecordFailure(sess.identity, addr, now)
		if tripped {
			m.rejectLocked(ctx, sess, "too many failed login attempts")
		}
		m.countOutcome("failure", "password")
		return oops.Code("FLOW_BAD_PASSWORD").Wrap(auth.ErrInvalidCredentials)
	}
	m.guard.RecordSuccess(sess.identity, addr)

	if m.vault.NeedsRehash(sess.profile.PasswordHash) {
		m.rehashLocked(ctx, sess, password)
	}

	if m.cfg.TotpEnabled && sess.profile.HasTotp() {
		return sess.transitionLocked(StateAwaitingTotp)
	}
	if err := m.authenticateLocked(ctx, sess); err != nil {
		return err
	}
	m.countOutcome("success", "password")
	return nil
}

// rehashLocked upgrades the stored digest after a successful verify. Best
// effort: the login proceeds even if the write fails.
func (m *Machine) rehashLocked(ctx context.Context, sess *Session, password string) {
	digest, err := m.vault.Hash(password)
	if err != nil {
		m.logger.Warn("digest upgrade failed", "session", sess.ID, "error", err)
		return
	}
	updated, err := m.updateProfile(ctx, sess.identity, func(p *auth.Profile) error {
		p.PasswordHash = digest
		return nil
	})
	if err != nil {
		m.logger.Warn("digest upgrade write failed", "session", sess.ID, "error", err)
		return
	}
	sess.profile = updated
}

// SubmitRegistration registers a new password for an unregistered session
// and authenticates it.
func (m *Machine) SubmitRegistration(ctx context.Context, sess *Session, password, confirm string) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.requireLocked(StateAwaitingRegistration); err != nil {
		return err
	}

	if ok, wait := m.guard.AllowAttempt(sess.identity, sess.conn.Address(), m.clock()); !ok {
		m.countOutcome("rate_limited", "register")
		return oops.Code("FLOW_RATE_LIMITED").
			With("retry_after", wait).
			Wrap(auth.ErrRateLimited)
	}

	if password != confirm {
		return oops.Code("FLOW_PASSWORD_MISMATCH").
			Wrap(auth.ErrWeakCredential)
	}
	if err := m.policy.Validate(sess.name, password); err != nil {
		return err
	}

	addr := hostOnly(sess.conn.Address())
	if m.cfg.IPLimit > 0 {
		n, err := m.profiles.CountByAddress(ctx, addr)
		if err != nil {
			return err
		}
		if n >= m.cfg.IPLimit {
			m.rejectLocked(ctx, sess, "too many accounts from your address")
			m.countOutcome("ip_limited", "register")
			return oops.Code("FLOW_IP_LIMIT").
				With("limit", m.cfg.IPLimit).
				Wrap(auth.ErrRateLimited)
		}
	}

	digest, err := m.vault.Hash(password)
	if err != nil {
		return err
	}

	if sess.profile == nil {
		profile := auth.NewProfile(sess.identity, sess.name, false)
		profile.PasswordHash = digest
		profile.RecordSeen(addr, m.clock())
		if err := m.profiles.Create(ctx, profile); err != nil {
			return err
		}
		sess.profile = profile
	} else {
		updated, err := m.updateProfile(ctx, sess.identity, func(p *auth.Profile) error {
			p.PasswordHash = digest
			return nil
		})
		if err != nil {
			return err
		}
		sess.profile = updated
	}

	if err := m.authenticateLocked(ctx, sess); err != nil {
		return err
	}
	m.countOutcome("success", "register")
	return nil
}

// SubmitTotp verifies a second-factor code, rejecting replays of a code
// already accepted within its validity window.
func (m *Machine) SubmitTotp(ctx context.Context, sess *Session, code string) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.requireLocked(StateAwaitingTotp); err != nil {
		return err
	}

	sess.totpAttempts++
	if sess.totpAttempts > m.cfg.MaxTotpAttempts {
		m.rejectLocked(ctx, sess, "too many invalid codes")
		m.countOutcome("rate_limited", "totp")
		return oops.Code("FLOW_TOTP_ATTEMPTS").Wrap(auth.ErrRateLimited)
	}

	now := m.clock()
	if m.replay.IsReplay(sess.identity, code, now) {
		m.countOutcome("failure", "totp")
		return oops.Code("FLOW_TOTP_REPLAY").Wrap(auth.ErrInvalidTotp)
	}
	ok, err := auth.VerifyTotp(sess.profile.TotpSecret, code, now)
	if err != nil {
		return err
	}
	if !ok {
		m.countOutcome("failure", "totp")
		return oops.Code("FLOW_TOTP_INVALID").Wrap(auth.ErrInvalidTotp)
	}
	m.replay.MarkUsed(sess.identity, code, now)

	if err := m.authenticateLocked(ctx, sess); err != nil {
		return err
	}
	m.countOutcome("success", "totp")
	return nil
}

// Authenticate completes a premium-verified session, which needs no
// password. An enrolled second factor is still required.
func (m *Machine) Authenticate(ctx context.Context, sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.requireLocked(StatePremiumVerified); err != nil {
		return err
	}

	if m.cfg.TotpEnabled && sess.profile != nil && sess.profile.HasTotp() {
		return sess.transitionLocked(StateAwaitingTotp)
	}
	if err := m.authenticateLocked(ctx, sess); err != nil {
		return err
	}
	m.countOutcome("success", "premium")
	return nil
}

// authenticateLocked claims network-wide authority for the identity and
// marks the session authenticated. Callers hold sess.mu.
func (m *Machine) authenticateLocked(ctx context.Context, sess *Session) error {
	start := m.clock()
	token, err := m.coord.Claim(ctx, sess.identity)
	if err != nil {
		return err
	}
	if m.metrics != nil && m.metrics.ClaimWait != nil {
		m.metrics.ClaimWait.Observe(m.clock().Sub(start).Seconds())
	}
	sess.token = token

	if err := sess.transitionLocked(StateAuthenticated); err != nil {
		releaseErr := m.coord.Release(ctx, sess.identity, token)
		if releaseErr != nil {
			m.logger.Warn("claim rollback failed",
				"identity", sess.identity.String(), "error", releaseErr)
		}
		return err
	}

	m.mu.Lock()
	priorID, hadPrior := m.byIdentity[sess.identity]
	prior := m.sessions[priorID]
	m.byIdentity[sess.identity] = sess.ID
	m.mu.Unlock()

	// A duplicate login on this instance displaces the prior session the
	// same way a claim from another instance would. The store upsert
	// already replaced the claim row, so the prior token is dead; clearing
	// it keeps the prior session's disconnect from touching the new claim.
	if hadPrior && prior != nil && prior != sess {
		const reason = "logged in from another location"
		prior.mu.Lock()
		wasReleased := prior.state == StateReleased
		m.rejectLocked(ctx, prior, reason)
		prior.token = ""
		prior.mu.Unlock()
		m.forget(prior.ID, sess.identity)
		if wasReleased {
			if err := m.host.KickIdentity(ctx, sess.identity, reason); err != nil {
				m.logger.Warn("kick failed",
					"identity", sess.identity.String(), "error", err)
			}
		}
	}
	return nil
}

// Release forwards an authenticated session out of limbo and persists the
// last-seen address, rename history included.
func (m *Machine) Release(ctx context.Context, sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.requireLocked(StateAuthenticated); err != nil {
		return err
	}

	now := m.clock()
	addr := hostOnly(sess.conn.Address())
	canonical := sess.name
	updated, err := m.updateProfile(ctx, sess.identity, func(p *auth.Profile) error {
		p.Rename(canonical, now)
		p.RecordSeen(addr, now)
		return nil
	})
	if err != nil {
		m.logger.Warn("last-seen update failed", "session", sess.ID, "error", err)
	} else {
		sess.profile = updated
	}

	if err := m.host.ReleasePlayer(ctx, sess.conn, sess.identity); err != nil {
		return oops.Code("FLOW_RELEASE_FAILED").
			With("session", sess.ID).
			Wrap(err)
	}
	return sess.transitionLocked(StateReleased)
}

// Disconnect tears a session down: drops authority, forgets the session,
// and rejects it unless already terminal. Safe to call more than once.
func (m *Machine) Disconnect(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	identity := sess.identity
	token := sess.token
	if !sess.state.Terminal() {
		sess.state = StateRejected
	}
	sess.token = ""
	sess.mu.Unlock()

	if token != "" {
		if err := m.coord.Release(ctx, identity, token); err != nil {
			m.logger.Warn("claim release failed",
				"identity", identity.String(), "error", err)
		}
	}
	m.forget(sess.ID, identity)
}

func (m *Machine) forget(id string, identity auth.Identity) {
	m.mu.Lock()
	_, known := m.sessions[id]
	delete(m.sessions, id)
	if m.byIdentity[identity] == id {
		delete(m.byIdentity, identity)
	}
	m.mu.Unlock()

	if known && m.metrics != nil && m.metrics.Active != nil {
		m.metrics.Active.Dec()
	}
}

// ExpireStale kicks sessions still unauthenticated past their deadline and
// sweeps the brute-force guard. Called periodically.
func (m *Machine) ExpireStale(ctx context.Context, now time.Time) {
	m.mu.Lock()
	stale := make([]*Session, 0)
	for _, sess := range m.sessions {
		stale = append(stale, sess)
	}
	m.mu.Unlock()

	for _, sess := range stale {
		sess.mu.Lock()
		expired := !sess.state.Terminal() &&
			sess.state != StateAuthenticated && sess.state != StateReleased &&
			now.After(sess.deadline)
		if expired {
			m.rejectLocked(ctx, sess, "took too long to log in")
			m.countOutcome("timeout", "deadline")
		}
		sess.mu.Unlock()
		if expired {
			m.forget(sess.ID, sess.identity)
		}
	}
	m.guard.Sweep(now)
}

// RevokeLocal is wired as the coordinator's revocation callback: it kicks
// whatever local session plays as the identity.
func (m *Machine) RevokeLocal(identity auth.Identity, reason string) {
	m.mu.Lock()
	id, ok := m.byIdentity[identity]
	sess := m.sessions[id]
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !ok || sess == nil {
		// Already released from limbo; only the host still knows it.
		if err := m.host.KickIdentity(ctx, identity, reason); err != nil {
			m.logger.Warn("kick failed", "identity", identity.String(), "error", err)
		}
		return
	}

	sess.mu.Lock()
	m.rejectLocked(ctx, sess, reason)
	sess.mu.Unlock()
	m.forget(sess.ID, identity)

	if err := m.host.KickIdentity(ctx, identity, reason); err != nil {
		m.logger.Warn("kick failed", "identity", identity.String(), "error", err)
	}
}

// ChangePassword verifies the current password and stores a new digest.
func (m *Machine) ChangePassword(ctx context.Context, identity auth.Identity, current, next string) error {
	profile, err := m.profiles.Get(ctx, identity)
	if err != nil {
		return err
	}
	if !profile.Registered() {
		return oops.Code("FLOW_NOT_REGISTERED").Wrap(auth.ErrInvalidCredentials)
	}
	ok, err := m.vault.Verify(current, profile.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return oops.Code("FLOW_BAD_PASSWORD").Wrap(auth.ErrInvalidCredentials)
	}
	if err := m.policy.Validate(profile.Name, next); err != nil {
		return err
	}
	digest, err := m.vault.Hash(next)
	if err != nil {
		return err
	}
	_, err = m.updateProfile(ctx, identity, func(p *auth.Profile) error {
		p.PasswordHash = digest
		return nil
	})
	return err
}

// BeginTotpEnrollment generates a second-factor secret for a registered
// profile. The secret is persisted only after ConfirmTotpEnrollment proves
// the player's authenticator produces matching codes.
func (m *Machine) BeginTotpEnrollment(ctx context.Context, identity auth.Identity) (*auth.TotpEnrollment, error) {
	profile, err := m.profiles.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !profile.Registered() {
		return nil, oops.Code("FLOW_NOT_REGISTERED").Wrap(auth.ErrInvalidCredentials)
	}
	enrollment, err := auth.GenerateTotpSecret(m.cfg.NetworkName, profile.Name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pendingTotp[identity] = enrollment
	m.mu.Unlock()
	return enrollment, nil
}

// ConfirmTotpEnrollment checks a code against the pending secret and, on
// match, persists the enrollment.
func (m *Machine) ConfirmTotpEnrollment(ctx context.Context, identity auth.Identity, code string) error {
	m.mu.Lock()
	enrollment := m.pendingTotp[identity]
	m.mu.Unlock()
	if enrollment == nil {
		return oops.Code("FLOW_NO_PENDING_TOTP").Wrap(auth.ErrNotFound)
	}

	ok, err := auth.VerifyTotp(enrollment.Secret, code, m.clock())
	if err != nil {
		return err
	}
	if !ok {
		return oops.Code("FLOW_TOTP_INVALID").Wrap(auth.ErrInvalidTotp)
	}

	if _, err := m.updateProfile(ctx, identity, func(p *auth.Profile) error {
		p.TotpSecret = enrollment.Secret
		return nil
	}); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.pendingTotp, identity)
	m.mu.Unlock()
	return nil
}

// ForceLogout terminates the identity's local session, if any, and drops
// its authority claim. Administrative operation.
func (m *Machine) ForceLogout(ctx context.Context, identity auth.Identity) error {
	m.RevokeLocal(identity, "logged out by an administrator")
	if m.coord.Holds(identity) {
		return m.coord.Release(ctx, identity, "")
	}
	return nil
}

// ResetCredentials clears the identity's password and second factor and
// forces it offline. Administrative operation.
func (m *Machine) ResetCredentials(ctx context.Context, identity auth.Identity) error {
	if err := m.profiles.ResetCredentials(ctx, identity); err != nil {
		return err
	}
	return m.ForceLogout(ctx, identity)
}

// rejectLocked kicks the connection and marks the session rejected.
// Callers hold sess.mu.
func (m *Machine) rejectLocked(ctx context.Context, sess *Session, reason string) {
	if sess.state.Terminal() {
		return
	}
	sess.state = StateRejected
	if err := sess.conn.Kick(ctx, reason); err != nil {
		m.logger.Debug("kick failed", "session", sess.ID, "error", err)
	}
}

// updateProfile applies a read-mutate-write cycle, retrying a few times
// when another instance won the version race.
func (m *Machine) updateProfile(ctx context.Context, identity auth.Identity, mutate func(*auth.Profile) error) (*auth.Profile, error) {
	var out *auth.Profile
	backoff := retry.WithMaxRetries(3, retry.NewConstant(25*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		profile, err := m.profiles.Get(ctx, identity)
		if err != nil {
			return err
		}
		if err := mutate(profile); err != nil {
			return err
		}
		if err := m.profiles.Update(ctx, profile); err != nil {
			if errors.Is(err, auth.ErrStaleWrite) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = profile
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Machine) countOutcome(result, method string) {
	if m.metrics != nil && m.metrics.Outcomes != nil {
		m.metrics.Outcomes.WithLabelValues(result, method).Inc()
	}
}

// hostOnly strips the port from a host:port address.
func hostOnly(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}
	return strings.TrimSpace(address)
}
