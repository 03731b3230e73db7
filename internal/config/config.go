package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Service ServiceConfig
	Poll    PollConfig
	Server  ServerConfig
	Log     LogConfig
}

// ServiceConfig points at the remote analysis service.
type ServiceConfig struct {
	BaseURL   string
	CompanyID int
	Token     string
	Timeout   string
}

// PollConfig bounds job status polling. The poll interval itself is fixed.
type PollConfig struct {
	MaxWait    string
	MaxRetries int
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Service: ServiceConfig{
			BaseURL:   "http://localhost:8000/api",
			CompanyID: 1,
			Timeout:   "30s",
		},
		Poll: PollConfig{
			MaxWait:    "30m",
			MaxRetries: 3,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/segscope/config.json and applies SEGSCOPE_* environment
// variable overrides on top of it.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid config: service.base_url %q must be an absolute URL", c.Service.BaseURL)
	}
	if c.Service.CompanyID <= 0 {
		return fmt.Errorf("invalid config: service.company_id must be positive, got %d", c.Service.CompanyID)
	}
	if _, err := time.ParseDuration(c.Service.Timeout); err != nil {
		return fmt.Errorf("invalid config: service.timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Poll.MaxWait); err != nil {
		return fmt.Errorf("invalid config: poll.max_wait: %w", err)
	}
	if c.Poll.MaxRetries < 0 {
		return fmt.Errorf("invalid config: poll.max_retries must not be negative, got %d", c.Poll.MaxRetries)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid config: log.level %q (want debug, info, warn or error)", c.Log.Level)
	}
	return nil
}

// ServiceTimeout returns the parsed per-request timeout for the remote service.
func (c Config) ServiceTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Service.Timeout)
	return d
}

// PollMaxWait returns the parsed polling ceiling. Zero means unbounded.
func (c Config) PollMaxWait() time.Duration {
	d, _ := time.ParseDuration(c.Poll.MaxWait)
	return d
}
