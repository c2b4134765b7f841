// ============================================================================
// Falcon Worker - Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load process configuration from YAML, .env and the environment
//
// Sources (later wins):
//   1. Built-in defaults
//   2. YAML file (default: configs/worker.yaml)
//   3. .env file (loaded into the environment if present)
//   4. Process environment (FALCON_* variables, LOG_LEVEL, LOG_FORMAT)
//
// Example YAML:
//
//   server:
//     url: http://localhost:8080/api
//     transport: http
//   auth:
//     key_id: my-key
//     key_secret: my-secret
//     refresh_interval: 30m
//   metrics:
//     enabled: true
//     addr: ":9090"
//   workers:
//     all:
//       poll_interval: 200ms
//     resize:
//       thread_count: 4
//       domain: eu
//
// Per-worker settings are resolved on every poll cycle by Overrides, see
// overrides.go.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transports accepted in server.transport.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config represents the complete worker process configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Server struct {
		URL       string        `yaml:"url"`
		Transport string        `yaml:"transport"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"server"`

	Auth struct {
		URL             string        `yaml:"url"` // token endpoint base, defaults to server.url
		KeyID           string        `yaml:"key_id"`
		KeySecret       string        `yaml:"key_secret"`
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"auth"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	WorkerID      string        `yaml:"worker_id"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// Workers maps a task type (or "all") to its property overrides.
	Workers map[string]WorkerProps `yaml:"workers"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.URL = "http://localhost:8080/api"
	cfg.Server.Transport = TransportHTTP
	cfg.Server.Timeout = 30 * time.Second
	cfg.Auth.RefreshInterval = 30 * time.Minute
	cfg.Metrics.Addr = ":9090"
	cfg.Log.Level = "INFO"
	cfg.Log.Format = "json"
	cfg.ShutdownGrace = 10 * time.Second
	return cfg
}

// Load reads configuration from path and the environment.
//
// An empty path skips the YAML file. envFiles are loaded with godotenv
// before the environment is read; missing .env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv 載入 .env 檔案，不存在時略過；已存在的環境變數不會被覆蓋
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("FALCON_SERVER_URL", &c.Server.URL)
	str("FALCON_TRANSPORT", &c.Server.Transport)
	str("FALCON_AUTH_URL", &c.Auth.URL)
	str("FALCON_AUTH_KEY", &c.Auth.KeyID)
	str("FALCON_AUTH_SECRET", &c.Auth.KeySecret)
	str("FALCON_METRICS_ADDR", &c.Metrics.Addr)
	str("FALCON_WORKER_ID", &c.WorkerID)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("FALCON_METRICS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FALCON_METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = b
	}
	if v, ok := lookup("FALCON_TOKEN_REFRESH_INTERVAL"); ok && v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("invalid FALCON_TOKEN_REFRESH_INTERVAL: %w", err)
		}
		c.Auth.RefreshInterval = d
	}
	return nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportHTTP, TransportGRPC:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Server.Transport, TransportHTTP, TransportGRPC)
	}
	if c.Server.URL == "" {
		return errors.New("server url must not be empty")
	}
	if c.Auth.RefreshInterval <= 0 {
		return errors.New("auth refresh_interval must be positive")
	}
	return nil
}

// TokenURL returns the base URL of the token endpoint.
func (c *Config) TokenURL() string {
	if c.Auth.URL != "" {
		return c.Auth.URL
	}
	return c.Server.URL
}

// Overrides returns the live per-worker override view for this config.
func (c *Config) Overrides() *Overrides {
	return NewOverrides(c.Workers, os.LookupEnv)
}

// parseInterval accepts a Go duration ("250ms") or a bare number of
// milliseconds ("250").
func parseInterval(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a duration nor milliseconds", v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
