// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable [Load] reads the config path from.
const EnvironmentVariable = "BUREAU_E2EE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the configuration of one encrypting device.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Root is the base directory for engine state. Other paths may
	// refer to it as ${BUREAU_E2EE_ROOT}.
	Root string `yaml:"root"`

	// Identity is the local user and device this engine encrypts for.
	Identity IdentityConfig `yaml:"identity"`

	// HomeserverURL is the base URL of the Matrix homeserver.
	HomeserverURL string `yaml:"homeserver_url"`

	// PickleKeyPath is the file holding the age identity that seals
	// pickled ratchet state.
	PickleKeyPath string `yaml:"pickle_key_path"`

	Store       StoreConfig       `yaml:"store"`
	Rotation    RotationConfig    `yaml:"rotation"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	OneTimeKeys OneTimeKeysConfig `yaml:"one_time_keys"`
	KeyQuery    KeyQueryConfig    `yaml:"key_query"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	HomeserverURL string          `yaml:"homeserver_url,omitempty"`
	Store         *StoreConfig    `yaml:"store,omitempty"`
	Rotation      *RotationConfig `yaml:"rotation,omitempty"`
	KeyQuery      *KeyQueryConfig `yaml:"key_query,omitempty"`
}

// IdentityConfig names the local account.
type IdentityConfig struct {
	// UserID is the full Matrix user ID, e.g. "@machine:bureau.local".
	UserID string `yaml:"user_id"`

	// DeviceID is the device this engine's account belongs to.
	DeviceID string `yaml:"device_id"`
}

// StoreConfig configures the session store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory
	// store, which loses every session on exit.
	Path string `yaml:"path"`

	// PoolSize is the number of SQLite connections. Zero picks a
	// default based on CPU count.
	PoolSize int `yaml:"pool_size"`
}

// RotationConfig is the default outbound group session rotation policy,
// used when a room's encryption settings do not specify one.
type RotationConfig struct {
	// Period is the maximum age of an outbound group session.
	Period time.Duration `yaml:"period"`

	// Messages is the maximum number of messages per outbound group
	// session.
	Messages int `yaml:"messages"`
}

// SessionsConfig bounds inbound pairwise session creation per peer.
type SessionsConfig struct {
	// MaxNewPerWindow is how many inbound sessions one peer identity
	// key may create within Window.
	MaxNewPerWindow int `yaml:"max_new_per_window"`

	// Window is the flood-guard window.
	Window time.Duration `yaml:"window"`
}

// OneTimeKeysConfig configures one-time key replenishment.
type OneTimeKeysConfig struct {
	// Target is the number of one-time keys to keep published on the
	// homeserver.
	Target int `yaml:"target"`
}

// KeyQueryConfig configures device-key refresh.
type KeyQueryConfig struct {
	// WaitTimeout bounds how long an encrypt call waits for outdated
	// device lists to refresh.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// RetryInterval is how long a user whose query failed stays
	// outdated before the next attempt.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Default returns the default configuration. Identity and homeserver
// have no defaults; the config file must name them.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "state", "bureau-e2ee")

	return &Config{
		Environment:   Development,
		Root:          root,
		PickleKeyPath: filepath.Join(root, "pickle.key"),
		Store: StoreConfig{
			Path: filepath.Join(root, "sessions.db"),
		},
		Rotation: RotationConfig{
			Period:   7 * 24 * time.Hour,
			Messages: 100,
		},
		Sessions: SessionsConfig{
			MaxNewPerWindow: 5,
			Window:          time.Hour,
		},
		OneTimeKeys: OneTimeKeysConfig{
			Target: 50,
		},
		KeyQuery: KeyQueryConfig{
			WaitTimeout:   10 * time.Second,
			RetryInterval: time.Minute,
		},
	}
}

// Load loads configuration from the file named by BUREAU_E2EE_CONFIG.
// It fails when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of [Default], applies
// the matching environment section, and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.HomeserverURL != "" {
		c.HomeserverURL = overrides.HomeserverURL
	}
	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
	}
	if overrides.Rotation != nil {
		if overrides.Rotation.Period != 0 {
			c.Rotation.Period = overrides.Rotation.Period
		}
		if overrides.Rotation.Messages != 0 {
			c.Rotation.Messages = overrides.Rotation.Messages
		}
	}
	if overrides.KeyQuery != nil {
		if overrides.KeyQuery.WaitTimeout != 0 {
			c.KeyQuery.WaitTimeout = overrides.KeyQuery.WaitTimeout
		}
		if overrides.KeyQuery.RetryInterval != 0 {
			c.KeyQuery.RetryInterval = overrides.KeyQuery.RetryInterval
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"BUREAU_E2EE_ROOT": c.Root,
		"HOME":             os.Getenv("HOME"),
	}
	c.Root = expandVars(c.Root, vars)
	vars["BUREAU_E2EE_ROOT"] = c.Root

	c.PickleKeyPath = expandVars(c.PickleKeyPath, vars)
	c.Store.Path = expandVars(c.Store.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Identity.UserID == "" {
		errs = append(errs, errors.New("identity.user_id is required"))
	}
	if c.Identity.DeviceID == "" {
		errs = append(errs, errors.New("identity.device_id is required"))
	}
	if c.PickleKeyPath == "" {
		errs = append(errs, errors.New("pickle_key_path is required"))
	}
	if c.HomeserverURL != "" {
		if parsed, err := url.Parse(c.HomeserverURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("homeserver_url %q is not an absolute URL", c.HomeserverURL))
		}
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, errors.New("store.pool_size must not be negative"))
	}
	if c.Rotation.Period <= 0 {
		errs = append(errs, errors.New("rotation.period must be positive"))
	}
	if c.Rotation.Messages <= 0 {
		errs = append(errs, errors.New("rotation.messages must be positive"))
	}
	if c.Sessions.MaxNewPerWindow <= 0 {
		errs = append(errs, errors.New("sessions.max_new_per_window must be positive"))
	}
	if c.Sessions.Window <= 0 {
		errs = append(errs, errors.New("sessions.window must be positive"))
	}
	if c.OneTimeKeys.Target < 0 {
		errs = append(errs, errors.New("one_time_keys.target must not be negative"))
	}
	if c.KeyQuery.WaitTimeout <= 0 {
		errs = append(errs, errors.New("key_query.wait_timeout must be positive"))
	}
	if c.KeyQuery.RetryInterval <= 0 {
		errs = append(errs, errors.New("key_query.retry_interval must be positive"))
	}

	return errors.Join(errs...)
}

// EnsureDirectories creates the parent directories of the store and
// pickle key with owner-only permissions.
func (c *Config) EnsureDirectories() error {
	for _, path := range []string{c.Store.Path, c.PickleKeyPath} {
		if path == "" {
			continue
		}
		directory := filepath.Dir(path)
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", directory, err)
		}
	}
	return nil
}
