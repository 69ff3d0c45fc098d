// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package config loads the limbogate configuration: defaults, then an
// optional YAML file, then command-line flags, later layers overriding
// earlier ones.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/limbogate/limbogate/internal/auth"
	"github.com/limbogate/limbogate/internal/coordinator"
	"github.com/limbogate/limbogate/internal/flow"
	"github.com/limbogate/limbogate/internal/store"
)

// Config is the full runtime configuration. Interval-valued keys use the
// unit named in the key, matching the shipped configuration file format.
type Config struct {
	InstanceID  string `koanf:"instance-id"`
	NetworkName string `koanf:"network-name"`

	AutoRegister bool `koanf:"auto-register"`
	IPLimit      int  `koanf:"ip-limit"`

	MaxLoginAttempts           int `koanf:"max-login-attempts"`
	MillisecondsToRefreshLogin int `koanf:"milliseconds-to-refresh-login-attempts"`
	SecondsToAuthorize         int `koanf:"seconds-to-authorize"`
	SessionTimeoutSeconds      int `koanf:"session-timeout"`

	MinimumPasswordLength int `koanf:"minimum-password-length"`
	MinimumUsernameLength int `koanf:"minimum-username-length"`

	DefaultCryptoProvider string `koanf:"default-crypto-provider"`
	ConflictStrategy      string `koanf:"profile-conflict-resolution-strategy"`

	Totp struct {
		Enabled bool   `koanf:"enabled"`
		Label   string `koanf:"label"`
	} `koanf:"totp"`

	Database struct {
		Type           string `koanf:"type"`
		DSN            string `koanf:"dsn"`
		MaxConns       int    `koanf:"max-conns"`
		AcquireTimeout int    `koanf:"acquire-timeout-seconds"`
	} `koanf:"database"`

	Redis struct {
		Enabled  bool   `koanf:"enabled"`
		Address  string `koanf:"address"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`

	Coordinator struct {
		HeartbeatIntervalSeconds int `koanf:"heartbeat-interval-seconds"`
		HeartbeatTTLSeconds      int `koanf:"heartbeat-ttl-seconds"`
		ClaimTimeoutSeconds      int `koanf:"claim-timeout-seconds"`
		PollMilliseconds         int `koanf:"poll-milliseconds"`
	} `koanf:"coordinator"`

	Cache struct {
		MaxEntries int `koanf:"max-entries"`
		TTLSeconds int `koanf:"ttl-seconds"`
	} `koanf:"cache"`

	Observability struct {
		Addr string `koanf:"addr"`
	} `koanf:"observability"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`
}

// maxInstanceIDLen matches the instance_id column width in the
// authoritative-session schema.
const maxInstanceIDLen = 128

// defaults mirrors the shipped configuration file.
var defaults = map[string]interface{}{
	"instance-id":  "",
	"network-name": "limbogate",

	"auto-register": true,
	"ip-limit":      0,

	"max-login-attempts":                     auth.DefaultMaxAttempts,
	"milliseconds-to-refresh-login-attempts": 10000,
	"seconds-to-authorize":                   250,
	"session-timeout":                        3600,

	"minimum-password-length": 0,
	"minimum-username-length": 0,

	"default-crypto-provider":              auth.ProviderBcrypt,
	"profile-conflict-resolution-strategy": string(flow.ConflictBlock),

	"totp.enabled": true,
	"totp.label":   "limbogate network",

	"database.type":                    store.EngineSQLite,
	"database.dsn":                     "limbogate.db",
	"database.max-conns":               store.DefaultMaxConns,
	"database.acquire-timeout-seconds": 5,

	"redis.enabled": false,
	"redis.address": "localhost:6379",

	"coordinator.heartbeat-interval-seconds": 5,
	"coordinator.heartbeat-ttl-seconds":      15,
	"coordinator.claim-timeout-seconds":      3,
	"coordinator.poll-milliseconds":          500,

	"cache.max-entries": 1000,
	"cache.ttl-seconds": 300,

	"observability.addr": "localhost:9090",

	"log.level":  "info",
	"log.format": "text",
}

// Load reads the configuration. path may be empty or point at a missing
// file; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, oops.Code("CONFIG_DEFAULTS_FAILED").Wrap(err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.Code("CONFIG_FILE_FAILED").
					With("path", path).
					Wrap(err)
			}
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_UNMARSHAL_FAILED").Wrap(err)
	}

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "limbogate"
		}
		cfg.InstanceID = host
	}
	// The authoritative-session schema stores instance ids in a
	// VARCHAR(128); hostnames (FQDNs especially) can run longer.
	if len(cfg.InstanceID) > maxInstanceIDLen {
		cfg.InstanceID = cfg.InstanceID[:maxInstanceIDLen]
	}
	return &cfg, nil
}

// Default returns the configuration with no file or flags applied.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(err) // defaults are static; this cannot fail
	}
	return cfg
}

// StoreConfig derives the storage backend configuration.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Engine:         c.Database.Type,
		DSN:            c.Database.DSN,
		MaxConns:       int32(c.Database.MaxConns),
		AcquireTimeout: time.Duration(c.Database.AcquireTimeout) * time.Second,
	}
}

// GuardConfig derives the brute-force guard configuration.
func (c *Config) GuardConfig() auth.GuardConfig {
	return auth.GuardConfig{
		MaxAttempts:  c.MaxLoginAttempts,
		Window:       time.Duration(c.MillisecondsToRefreshLogin) * time.Millisecond,
		AddressRate:  rate.Every(time.Second),
		AddressBurst: 5,
	}
}

// FlowConfig derives the login flow configuration.
func (c *Config) FlowConfig() flow.Config {
	return flow.Config{
		NetworkName:       c.NetworkName,
		MinUsernameLength: c.MinimumUsernameLength,
		AutoRegister:      c.AutoRegister,
		IPLimit:           c.IPLimit,
		SessionTimeout:    time.Duration(c.SessionTimeoutSeconds) * time.Second,
		AuthTimeout:       time.Duration(c.SecondsToAuthorize) * time.Second,
		TotpEnabled:       c.Totp.Enabled,
		MaxTotpAttempts:   flow.DefaultMaxTotpAttempts,
		ConflictStrategy:  flow.ConflictStrategy(c.ConflictStrategy),
	}
}

// CoordinatorConfig derives the cross-instance coordinator configuration.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		InstanceID:        c.InstanceID,
		HeartbeatInterval: time.Duration(c.Coordinator.HeartbeatIntervalSeconds) * time.Second,
		HeartbeatTTL:      time.Duration(c.Coordinator.HeartbeatTTLSeconds) * time.Second,
		ClaimTimeout:      time.Duration(c.Coordinator.ClaimTimeoutSeconds) * time.Second,
		PollInterval:      time.Duration(c.Coordinator.PollMilliseconds) * time.Millisecond,
	}
}

// PasswordPolicy derives the password policy.
func (c *Config) PasswordPolicy() auth.PasswordPolicy {
	return auth.PasswordPolicy{MinLength: c.MinimumPasswordLength}
}
