// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package flow

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/host"
)

// Session is the per-connection state machine instance. Operations on one
// session serialize on its mutex; distinct sessions do not contend.
type Session struct {
	// ID identifies the session in logs. Unrelated to the claim token.
	ID string

	mu    sync.Mutex
	conn  host.Connection
	state State

	identity auth.Identity
	name     string // canonical display name
	premium  bool
	profile  *auth.Profile

	// token is the coordination claim token, set once authenticated.
	token string

	// deadline is when an unauthenticated session is kicked.
	deadline time.Time

	totpAttempts int
}

func newSession(conn host.Connection, deadline time.Time) *Session {
	return &Session{
		ID:       ulid.Make().String(),
		conn:     conn,
		state:    StateConnecting,
		deadline: deadline,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the resolved identity, zero before resolution.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Name returns the canonical display name, empty before resolution.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Conn returns the underlying connection.
func (s *Session) Conn() host.Connection {
	return s.conn
}

// transitionLocked moves to the target state or fails with
// ErrIllegalTransition. Callers hold s.mu.
func (s *Session) transitionLocked(to State) error {
	if !canTransition(s.state, to) {
		return oops.Code("FLOW_ILLEGAL_TRANSITION").
			With("session", s.ID).
			With("from", s.state.String()).
			With("to", to.String()).
			Wrap(ErrIllegalTransition)
	}
	s.state = to
	return nil
}

// requireLocked fails with ErrIllegalTransition unless the session is in
// one of the given states. Callers hold s.mu.
func (s *Session) requireLocked(states ...State) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return oops.Code("FLOW_ILLEGAL_TRANSITION").
		With("session", s.ID).
		With("state", s.state.String()).
		Wrap(ErrIllegalTransition)
}
