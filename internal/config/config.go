package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Session     SessionConfig     `yaml:"session"`
	Preferences PreferencesConfig `yaml:"preferences"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"WODTIMER_SERVER_HOST"`
	Port int    `yaml:"port" env:"WODTIMER_SERVER_PORT"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"WODTIMER_DB_HOST"`
	Port     int    `yaml:"port" env:"WODTIMER_DB_PORT"`
	Name     string `yaml:"name" env:"WODTIMER_DB_NAME"`
	User     string `yaml:"user" env:"WODTIMER_DB_USER"`
	Password string `yaml:"password" env:"WODTIMER_DB_PASSWORD"`
	SSLMode  string `yaml:"sslmode" env:"WODTIMER_DB_SSLMODE"`
	MaxConns int32  `yaml:"max_conns" env:"WODTIMER_DB_MAX_CONNS"`
}

type AuthConfig struct {
	APIKey string `yaml:"api_key" env:"WODTIMER_AUTH_API_KEY"`
}

type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled" env:"WODTIMER_TS_ENABLED"`
	Hostname string `yaml:"hostname" env:"WODTIMER_TS_HOSTNAME"`
	StateDir string `yaml:"state_dir" env:"WODTIMER_TS_STATE_DIR"`
}

// SessionConfig tunes the session host.
type SessionConfig struct {
	// GracePeriod is how long the host stays resident with no observer
	// attached and no session in progress.
	GracePeriod time.Duration `yaml:"grace_period" env:"WODTIMER_SESSION_GRACE_PERIOD"`
	// TickInterval is how often the push client emits checkpoints.
	TickInterval time.Duration `yaml:"tick_interval" env:"WODTIMER_SESSION_TICK_INTERVAL"`
	// ExitOnRelease stops the process when the host is released.
	ExitOnRelease bool `yaml:"exit_on_release" env:"WODTIMER_SESSION_EXIT_ON_RELEASE"`
}

type PreferencesConfig struct {
	Dir string `yaml:"dir" env:"WODTIMER_PREFS_DIR"`
}

const (
	defaultGracePeriod  = 5 * time.Second
	defaultTickInterval = time.Second
	defaultPrefsDir     = "data"
)

// DSN returns a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslmode)
}

// Load reads config from a YAML file, then applies environment variable
// overrides. Env vars use the prefix WODTIMER_ (see the env tags), for
// example WODTIMER_DB_HOST or WODTIMER_SESSION_GRACE_PERIOD=10s.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Session.GracePeriod == 0 {
		c.Session.GracePeriod = defaultGracePeriod
	}
	if c.Session.TickInterval == 0 {
		c.Session.TickInterval = defaultTickInterval
	}
	if c.Preferences.Dir == "" {
		c.Preferences.Dir = defaultPrefsDir
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = "wodtimer"
	}
}

func (c *Config) validate() error {
	if c.Server.Port == 0 && !c.Tailscale.Enabled {
		return fmt.Errorf("server.port is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database.port is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required")
	}
	if c.Session.GracePeriod < 0 {
		return fmt.Errorf("session.grace_period must not be negative")
	}
	if c.Session.TickInterval < 0 {
		return fmt.Errorf("session.tick_interval must not be negative")
	}
	return nil
}
