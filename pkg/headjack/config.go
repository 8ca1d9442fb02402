// Copyright 2024-2026 Aiku AI

package headjack

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bot configuration.
type Config struct {
	Homeserver string `yaml:"homeserver"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Name       string `yaml:"name"`
	// CommandPrefix is normalized by PostProcess: empty becomes "!<name> ",
	// and prefixes longer than one character end with a space.
	CommandPrefix string `yaml:"command_prefix"`
	AllowList     string `yaml:"allow_list"`
	RoomSizeLimit int    `yaml:"room_size_limit"`

	AutoJoin            bool          `yaml:"auto_join"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	RateLimitQueueDepth int           `yaml:"rate_limit_queue_depth"`

	Sync      SyncSettings      `yaml:"sync"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Database  DatabaseConfig    `yaml:"database"`

	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

type SyncSettings struct {
	Timeout        time.Duration `yaml:"timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Jitter         float64       `yaml:"jitter"`
}

type RateLimitSettings struct {
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// DefaultConfig returns the configuration used for any option a file leaves
// out.
func DefaultConfig() *Config {
	return &Config{
		Name:                "headjack",
		MaxBackoff:          30 * time.Second,
		RateLimitQueueDepth: 100,
		Sync: SyncSettings{
			Timeout:        30 * time.Second,
			InitialBackoff: time.Second,
			Jitter:         0.5,
		},
		RateLimit: RateLimitSettings{DefaultRetryAfter: 5 * time.Second},
		Database:  DatabaseConfig{Type: "sqlite3", URI: "file:headjack.db?_txlock=immediate"},
	}
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the configuration and fills derived values.
func (c *Config) PostProcess() error {
	if c.Name == "" {
		c.Name = "headjack"
	}
	c.CommandPrefix = normalizePrefix(c.CommandPrefix, c.Name)
	if c.AllowList != "" {
		if _, err := regexp.Compile(c.AllowList); err != nil {
			return fmt.Errorf("invalid allow_list: %w", err)
		}
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive, got %s", c.MaxBackoff)
	}
	if c.Sync.InitialBackoff <= 0 || c.Sync.InitialBackoff > c.MaxBackoff {
		return fmt.Errorf("sync.initial_backoff must be in (0, max_backoff], got %s", c.Sync.InitialBackoff)
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter >= 1 {
		return fmt.Errorf("sync.jitter must be in [0, 1), got %v", c.Sync.Jitter)
	}
	if c.RateLimitQueueDepth < 0 {
		return fmt.Errorf("rate_limit_queue_depth must not be negative, got %d", c.RateLimitQueueDepth)
	}
	if c.RoomSizeLimit < 0 {
		return fmt.Errorf("room_size_limit must not be negative, got %d", c.RoomSizeLimit)
	}
	if c.RateLimit.DefaultRetryAfter <= 0 {
		c.RateLimit.DefaultRetryAfter = 5 * time.Second
	}
	return nil
}

func normalizePrefix(prefix, name string) string {
	if prefix == "" {
		prefix = "!" + name
	}
	if len(prefix) == 1 || strings.HasSuffix(prefix, " ") {
		return prefix
	}
	return prefix + " "
}

// ParseConfig decodes YAML over DefaultConfig and post-processes it.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads the config at path, bringing it up to date with the
// example config. With save set, the upgraded file is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver")
	helper.Copy(up.Str, "username")
	helper.Copy(up.Str, "password")
	helper.Copy(up.Str, "name")
	helper.Copy(up.Str, "command_prefix")
	helper.Copy(up.Str, "allow_list")
	helper.Copy(up.Int, "room_size_limit")
	helper.Copy(up.Bool, "auto_join")
	helper.Copy(up.Str, "max_backoff")
	helper.Copy(up.Int, "rate_limit_queue_depth")
	helper.Copy(up.Str, "sync", "timeout")
	helper.Copy(up.Str, "sync", "initial_backoff")
	helper.Copy(up.Float|up.Int, "sync", "jitter")
	helper.Copy(up.Str, "rate_limit", "default_retry_after")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}
