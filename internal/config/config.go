// Package config holds the herdsync runtime configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".herdsync")
	DefaultConfigPath = filepath.Join(DefaultConfigDir, "config.json")
	DefaultDataDir    = filepath.Join(DefaultConfigDir, "data")
	DefaultLogFile    = filepath.Join(DefaultConfigDir, "logs", "herdsync.log")
	DefaultServerURL  = "http://localhost:3000"
	DefaultHTTPAddr   = "localhost:7939"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultSettleWindow  = time.Second
	DefaultReplayTimeout = 8 * time.Second
	DefaultMaxRetries    = 10
	DefaultBaseBackoff   = 5 * time.Second
	DefaultMaxBackoff    = 5 * time.Minute

	OutboxFileName = "outbox.db"
	LockFileName   = "herdsync.lock"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DataDir   string `json:"data_dir"`
	ServerURL string `json:"server_url"`
	AuthToken string `json:"auth_token,omitempty"`
	HTTPAddr  string `json:"http_addr"`
	HTTPToken string `json:"http_token,omitempty"`

	ProbeInterval time.Duration `json:"probe_interval"`
	SettleWindow  time.Duration `json:"settle_window"`
	ReplayTimeout time.Duration `json:"replay_timeout"`
	MaxRetries    int           `json:"max_retries"`
	BaseBackoff   time.Duration `json:"base_backoff"`
	MaxBackoff    time.Duration `json:"max_backoff"`

	Path string `json:"-"`
}

// Default returns a config with every field at its default.
func Default() *Config {
	return &Config{
		DataDir:       DefaultDataDir,
		ServerURL:     DefaultServerURL,
		HTTPAddr:      DefaultHTTPAddr,
		ProbeInterval: DefaultProbeInterval,
		SettleWindow:  DefaultSettleWindow,
		ReplayTimeout: DefaultReplayTimeout,
		MaxRetries:    DefaultMaxRetries,
		BaseBackoff:   DefaultBaseBackoff,
		MaxBackoff:    DefaultMaxBackoff,
		Path:          DefaultConfigPath,
	}
}

// Validate normalizes paths and checks ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data dir required", ErrInvalidConfig)
	}
	dataDir, err := ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("%w: data dir: %w", ErrInvalidConfig, err)
	}
	c.DataDir = dataDir

	if c.Path != "" {
		path, err := ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("%w: config path: %w", ErrInvalidConfig, err)
		}
		c.Path = path
	}

	if err := validateURL(c.ServerURL); err != nil {
		return fmt.Errorf("%w: server url: %w", ErrInvalidConfig, err)
	}

	if c.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
			return fmt.Errorf("%w: http addr: %w", ErrInvalidConfig, err)
		}
	}

	switch {
	case c.ProbeInterval < time.Second:
		return fmt.Errorf("%w: probe interval must be at least 1s", ErrInvalidConfig)
	case c.SettleWindow < 0:
		return fmt.Errorf("%w: settle window must not be negative", ErrInvalidConfig)
	case c.SettleWindow >= c.ProbeInterval:
		return fmt.Errorf("%w: settle window must be shorter than the probe interval", ErrInvalidConfig)
	case c.ReplayTimeout <= 0:
		return fmt.Errorf("%w: replay timeout must be positive", ErrInvalidConfig)
	case c.MaxRetries < 1:
		return fmt.Errorf("%w: max retries must be at least 1", ErrInvalidConfig)
	case c.BaseBackoff <= 0:
		return fmt.Errorf("%w: base backoff must be positive", ErrInvalidConfig)
	case c.MaxBackoff < c.BaseBackoff:
		return fmt.Errorf("%w: max backoff below base backoff", ErrInvalidConfig)
	}

	return nil
}

func (c *Config) OutboxPath() string {
	return filepath.Join(c.DataDir, OutboxFileName)
}

func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, LockFileName)
}

// Save writes the config as JSON. Secrets are kept, so the file is private.
func (c *Config) Save(path string) error {
	if err := EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config parse %q: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
