// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfile_Registered(t *testing.T) {
	p := NewProfile(OfflineIdentity("steve"), "Steve", false)
	assert.False(t, p.Registered())

	p.PasswordHash = "$2a$10$something"
	assert.True(t, p.Registered())
}

func TestProfile_Rename(t *testing.T) {
	p := NewProfile(OfflineIdentity("steve"), "Steve", false)
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	p.Rename("Steve", at)
	assert.Empty(t, p.LinkedNames, "same name is a no-op")

	p.Rename("SteveTheSecond", at)
	assert.Equal(t, "SteveTheSecond", p.Name)
	assert.Len(t, p.LinkedNames, 1)
	assert.Equal(t, "Steve", p.LinkedNames[0].Name)
	assert.Equal(t, at, p.LinkedNames[0].LinkedAt)
}

func TestProfile_RecordSeen(t *testing.T) {
	p := NewProfile(OfflineIdentity("steve"), "Steve", false)
	at := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)

	p.RecordSeen("203.0.113.9", at)
	assert.Equal(t, "203.0.113.9", p.LastAddress)
	assert.Equal(t, at, p.LastSeenAt)
}
