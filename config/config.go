// Package config handles idemirror configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level idemirror configuration.
type Config struct {
	Backend Backend `yaml:"backend"`
	Typing  Typing  `yaml:"typing"`
	Web     Web     `yaml:"web"`
	Journal Journal `yaml:"journal"`
	Log     Log     `yaml:"log"`
}

// Backend addresses the remote IDE automation backend.
type Backend struct {
	// DuplexAddr is the QUIC host:port of the duplex listener.
	DuplexAddr string `yaml:"duplex_addr"`
	// HTTPBaseURL is the base URL of the discrete fallback endpoints.
	HTTPBaseURL string `yaml:"http_base_url"`
	// InsecureSkipVerify accepts self-signed backend certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
}

// Typing controls keystroke batching.
type Typing struct {
	MaxChars   int           `yaml:"max_chars"`
	IdleWindow time.Duration `yaml:"idle_window"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// Web configures the local web surface.
type Web struct {
	Listen string `yaml:"listen"` // empty disables the web surface
	// User and PasswordHash guard the surface with basic auth. PasswordHash
	// is a bcrypt hash; empty disables auth.
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
}

// Journal configures session history persistence.
type Journal struct {
	Path      string        `yaml:"path"` // empty disables the journal
	Retention time.Duration `yaml:"retention"`
}

// Log configures structured logging.
type Log struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration for a local backend on default ports.
func Default() *Config {
	cfg := &Config{
		Backend: Backend{
			DuplexAddr:  "127.0.0.1:4873",
			HTTPBaseURL: "http://127.0.0.1:4874",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Backend.DialTimeout <= 0 {
		c.Backend.DialTimeout = 10 * time.Second
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = 15 * time.Second
	}
	if c.Backend.ReconnectBase <= 0 {
		c.Backend.ReconnectBase = 500 * time.Millisecond
	}
	if c.Backend.ReconnectMax <= 0 {
		c.Backend.ReconnectMax = 30 * time.Second
	}
	if c.Typing.MaxChars <= 0 {
		c.Typing.MaxChars = 10
	}
	if c.Typing.IdleWindow <= 0 {
		c.Typing.IdleWindow = 150 * time.Millisecond
	}
	if c.Typing.MaxAge <= 0 {
		c.Typing.MaxAge = 300 * time.Millisecond
	}
	if c.Journal.Retention <= 0 {
		c.Journal.Retention = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Backend.DuplexAddr == "" {
		return fmt.Errorf("config: backend.duplex_addr is required")
	}
	if c.Backend.HTTPBaseURL == "" {
		return fmt.Errorf("config: backend.http_base_url is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log.format %q", c.Log.Format)
	}
	if c.Web.User != "" && c.Web.PasswordHash == "" {
		return fmt.Errorf("config: web.user set without web.password_hash")
	}
	return nil
}
