// Package config defines the process-wide YAML configuration format. The
// store and keystore blocks are dynamic: a "type" field determines which
// backend the rest of the block configures.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/justlark/notwithout.help/internal/keystore"
	_ "github.com/justlark/notwithout.help/internal/keystore/memstore"
	_ "github.com/justlark/notwithout.help/internal/keystore/redisstore"
	"github.com/justlark/notwithout.help/internal/store"
	_ "github.com/justlark/notwithout.help/internal/store/memstore"
	_ "github.com/justlark/notwithout.help/internal/store/sqlstore"
)

// Config is the top-level config format for notwithout-help.
type Config struct {
	// Env is the deployment mode, "dev" or "prod".
	Env string `yaml:"env"`

	// Origin becomes every minted token's aud and iss.
	Origin string `yaml:"origin"`

	AccessTokenExpSeconds    int   `yaml:"access_token_exp_seconds"`
	ChallengeTokenExpSeconds int   `yaml:"challenge_token_exp_seconds"`
	MaxRequestBodyLenBytes   int64 `yaml:"max_request_body_len_bytes"`

	HTTP string `yaml:"http"`

	Store    StoreConfig    `yaml:"store"`
	Keystore KeystoreConfig `yaml:"keystore"`
}

// AccessTokenExp and ChallengeTokenExp convert the config's integer-seconds
// fields to time.Duration for internal/auth.Config.
func (c Config) AccessTokenExp() time.Duration {
	return time.Duration(c.AccessTokenExpSeconds) * time.Second
}

func (c Config) ChallengeTokenExp() time.Duration {
	return time.Duration(c.ChallengeTokenExpSeconds) * time.Second
}

// StoreConfig holds the persistent-store configuration. Its Type field
// determines which package under internal/store/* backs it; Driver is the
// config map handed to that package's driver.
type StoreConfig struct {
	Type   string
	Driver map[string]string
}

// UnmarshalYAML picks the store driver by its "type" field before decoding
// the rest of the block.
func (s *StoreConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var meta struct {
		Type   string            `yaml:"type"`
		Config map[string]string `yaml:"config"`
	}
	if err := unmarshal(&meta); err != nil {
		return err
	}
	switch meta.Type {
	case "sqlite3", "memory":
	default:
		return fmt.Errorf("config: unknown store type %q", meta.Type)
	}
	s.Type = meta.Type
	s.Driver = meta.Config
	return nil
}

// Open opens the configured persistent store.
func (s StoreConfig) Open() (store.Store, error) {
	return store.Open(s.Type, s.Driver)
}

// KeystoreConfig holds the TTL keystore configuration.
type KeystoreConfig struct {
	Type   string
	Driver map[string]string
}

func (k *KeystoreConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var meta struct {
		Type   string            `yaml:"type"`
		Config map[string]string `yaml:"config"`
	}
	if err := unmarshal(&meta); err != nil {
		return err
	}
	switch meta.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown keystore type %q", meta.Type)
	}
	k.Type = meta.Type
	k.Driver = meta.Config
	return nil
}

// Open opens the configured TTL keystore.
func (k KeystoreConfig) Open() (keystore.Store, error) {
	return keystore.Open(k.Type, k.Driver)
}

// Load parses YAML config bytes into a Config.
func Load(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	switch c.Env {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("config: \"env\" must be \"dev\" or \"prod\", got %q", c.Env)
	}
	if c.Origin == "" {
		return Config{}, fmt.Errorf("config: \"origin\" is required")
	}
	if c.AccessTokenExpSeconds <= 0 {
		return Config{}, fmt.Errorf("config: \"access_token_exp_seconds\" must be positive")
	}
	if c.ChallengeTokenExpSeconds <= 0 {
		return Config{}, fmt.Errorf("config: \"challenge_token_exp_seconds\" must be positive")
	}
	if c.MaxRequestBodyLenBytes == 0 {
		c.MaxRequestBodyLenBytes = 1 << 20
	}
	return c, nil
}
