// Package config loads ~/.multichat/config.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration written as a string ("30s", "24h") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the global configuration shared by the daemon and the CLI.
type Config struct {
	DefaultProfile      string   `toml:"default_profile" validate:"omitempty,max=64"`
	BackendURL          string   `toml:"backend_url" validate:"required,url"`
	StreamURL           string   `toml:"stream_url" validate:"required,url"`
	LogLevel            string   `toml:"log_level" validate:"oneof=debug info warn error"`
	HTTPTimeout         Duration `toml:"http_timeout"`
	SendTimeout         Duration `toml:"send_timeout"`
	JoinTimeout         Duration `toml:"join_timeout"`
	JoinApprovalTimeout Duration `toml:"join_approval_timeout"`
	ReconnectMin        Duration `toml:"reconnect_min"`
	ReconnectMax        Duration `toml:"reconnect_max"`
	TokenTTL            Duration `toml:"token_ttl"`
	TokenSweepInterval  Duration `toml:"token_sweep_interval"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		BackendURL:          "http://127.0.0.1:8080",
		StreamURL:           "ws://127.0.0.1:8080/stream",
		LogLevel:            "info",
		HTTPTimeout:         Duration{15 * time.Second},
		SendTimeout:         Duration{30 * time.Second},
		JoinTimeout:         Duration{15 * time.Second},
		JoinApprovalTimeout: Duration{24 * time.Hour},
		ReconnectMin:        Duration{time.Second},
		ReconnectMax:        Duration{time.Minute},
		TokenTTL:            Duration{30 * 24 * time.Hour},
		TokenSweepInterval:  Duration{time.Hour},
	}
}

// Load reads the config at path on top of Default. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field formats and that the durations are usable.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	for name, d := range map[string]Duration{
		"http_timeout":          c.HTTPTimeout,
		"send_timeout":          c.SendTimeout,
		"join_timeout":          c.JoinTimeout,
		"join_approval_timeout": c.JoinApprovalTimeout,
		"reconnect_min":         c.ReconnectMin,
		"reconnect_max":         c.ReconnectMax,
		"token_ttl":             c.TokenTTL,
		"token_sweep_interval":  c.TokenSweepInterval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ReconnectMax.Duration < c.ReconnectMin.Duration {
		return errors.New("reconnect_max must not be below reconnect_min")
	}
	return nil
}

// Save writes cfg to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
