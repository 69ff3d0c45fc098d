// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/flow"
	"github.com/limbogate/limbogate/internal/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limbogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "limbogate", cfg.NetworkName)
	assert.True(t, cfg.AutoRegister)
	assert.Equal(t, auth.DefaultMaxAttempts, cfg.MaxLoginAttempts)
	assert.Equal(t, 250, cfg.SecondsToAuthorize)
	assert.Equal(t, 3600, cfg.SessionTimeoutSeconds)
	assert.Equal(t, auth.ProviderBcrypt, cfg.DefaultCryptoProvider)
	assert.Equal(t, string(flow.ConflictBlock), cfg.ConflictStrategy)
	assert.True(t, cfg.Totp.Enabled)
	assert.Equal(t, store.EngineSQLite, cfg.Database.Type)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.InstanceID, "instance id falls back to the hostname")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
instance-id: proxy-eu-1
network-name: bigcraft
auto-register: false
session-timeout: 600
profile-conflict-resolution-strategy: OVERWRITE
totp:
  enabled: false
database:
  type: postgresql
  dsn: postgres://limbogate@db/limbogate
redis:
  enabled: true
  address: redis:6379
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "proxy-eu-1", cfg.InstanceID)
	assert.Equal(t, "bigcraft", cfg.NetworkName)
	assert.False(t, cfg.AutoRegister)
	assert.Equal(t, 600, cfg.SessionTimeoutSeconds)
	assert.Equal(t, "OVERWRITE", cfg.ConflictStrategy)
	assert.False(t, cfg.Totp.Enabled)
	assert.Equal(t, store.EnginePostgres, cfg.Database.Type)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)

	// Keys the file leaves out keep their defaults.
	assert.Equal(t, auth.DefaultMaxAttempts, cfg.MaxLoginAttempts)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_LongInstanceIDTruncated(t *testing.T) {
	long := strings.Repeat("node-", 50)
	path := writeConfig(t, "instance-id: "+long+"\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	// Truncated to the instance_id column width.
	assert.Len(t, cfg.InstanceID, 128)
	assert.Equal(t, long[:128], cfg.InstanceID)
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, "limbogate", cfg.NetworkName)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "network-name: [unterminated")

	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "network-name: from-file\nip-limit: 2\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("network-name", "", "")
	flags.Int("ip-limit", 0, "")
	require.NoError(t, flags.Parse([]string{"--network-name=from-flag"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.NetworkName)
	assert.Equal(t, 2, cfg.IPLimit, "unset flags do not clobber file values")
}

func TestDerivedConfigs(t *testing.T) {
	path := writeConfig(t, `
instance-id: proxy-1
max-login-attempts: 7
milliseconds-to-refresh-login-attempts: 20000
seconds-to-authorize: 90
session-timeout: 1800
minimum-password-length: 8
minimum-username-length: 3
database:
  type: mysql
  dsn: limbogate:pw@tcp(db:3306)/limbogate
  max-conns: 16
  acquire-timeout-seconds: 10
coordinator:
  heartbeat-interval-seconds: 2
  heartbeat-ttl-seconds: 6
  claim-timeout-seconds: 4
  poll-milliseconds: 250
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	sc := cfg.StoreConfig()
	assert.Equal(t, store.EngineMySQL, sc.Engine)
	assert.Equal(t, int32(16), sc.MaxConns)
	assert.Equal(t, 10*time.Second, sc.AcquireTimeout)

	gc := cfg.GuardConfig()
	assert.Equal(t, 7, gc.MaxAttempts)
	assert.Equal(t, 20*time.Second, gc.Window)

	fc := cfg.FlowConfig()
	assert.Equal(t, 3, fc.MinUsernameLength)
	assert.Equal(t, 90*time.Second, fc.AuthTimeout)
	assert.Equal(t, 30*time.Minute, fc.SessionTimeout)

	cc := cfg.CoordinatorConfig()
	assert.Equal(t, "proxy-1", cc.InstanceID)
	assert.Equal(t, 2*time.Second, cc.HeartbeatInterval)
	assert.Equal(t, 6*time.Second, cc.HeartbeatTTL)
	assert.Equal(t, 4*time.Second, cc.ClaimTimeout)
	assert.Equal(t, 250*time.Millisecond, cc.PollInterval)

	assert.Equal(t, 8, cfg.PasswordPolicy().MinLength)
}
