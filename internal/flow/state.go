// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package flow drives a connecting player from first contact through
// limbo to the authenticated network, one session state machine per
// connection.
package flow

import "errors"

// ErrIllegalTransition is returned when an operation arrives in a state
// that does not accept it, such as a password before identity resolution.
var ErrIllegalTransition = errors.New("illegal session transition")

// State is a session's position in the login flow.
type State int

const (
	// StateConnecting is the initial state before identity resolution.
	StateConnecting State = iota

	// StateIdentityResolved means the username was validated and mapped to
	// an identity; the next step depends on the profile.
	StateIdentityResolved

	// StateAwaitingPassword waits for a registered player's password.
	StateAwaitingPassword

	// StateAwaitingRegistration waits for a new player to pick a password.
	StateAwaitingRegistration

	// StatePremiumVerified means the upstream handshake proved the
	// identity; no password is needed.
	StatePremiumVerified

	// StateAwaitingTotp waits for a second-factor code.
	StateAwaitingTotp

	// StateAuthenticated means all required factors passed; the session
	// holds authority and awaits release from limbo.
	StateAuthenticated

	// StateReleased is terminal: the player was forwarded to the network.
	StateReleased

	// StateRejected is terminal: the connection was refused or timed out.
	StateRejected
)

var stateNames = map[State]string{
	StateConnecting:           "connecting",
	StateIdentityResolved:     "identity_resolved",
	StateAwaitingPassword:     "awaiting_password",
	StateAwaitingRegistration: "awaiting_registration",
	StatePremiumVerified:      "premium_verified",
	StateAwaitingTotp:         "awaiting_totp",
	StateAuthenticated:        "authenticated",
	StateReleased:             "released",
	StateRejected:             "rejected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions exist from the state.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRejected
}

// transitions is the full set of legal state changes. Identity resolution
// may jump straight to authenticated when a recent session from the same
// address is resumed.
var transitions = map[State][]State{
	StateConnecting:           {StateIdentityResolved, StateRejected},
	StateIdentityResolved:     {StateAwaitingPassword, StateAwaitingRegistration, StatePremiumVerified, StateAuthenticated, StateRejected},
	StateAwaitingPassword:     {StateAwaitingTotp, StateAuthenticated, StateRejected},
	StateAwaitingRegistration: {StateAuthenticated, StateRejected},
	StatePremiumVerified:      {StateAwaitingTotp, StateAuthenticated, StateRejected},
	StateAwaitingTotp:         {StateAuthenticated, StateRejected},
	StateAuthenticated:        {StateReleased, StateRejected},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
