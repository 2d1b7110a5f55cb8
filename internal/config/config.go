// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Session       SessionConfig       `yaml:"session"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Backend       BackendConfig       `yaml:"backend"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// SessionConfig describes the signed session cookie and session lifetime.
type SessionConfig struct {
	CookieName    string        `yaml:"cookie_name"`
	SigningKeyEnv string        `yaml:"signing_key_env"`
	SigningKey    string        `yaml:"-"`
	Issuer        string        `yaml:"issuer"`
	TTL           time.Duration `yaml:"ttl"`
	Secure        bool          `yaml:"secure"`
	// StaleSubmitAfter bounds how long an in-flight submission may stay
	// in_flight before it is treated as failed, so a crashed replica cannot
	// lock a session forever.
	StaleSubmitAfter time.Duration `yaml:"stale_submit_after"`
	// SweepInterval is how often expired sessions and their uploads are
	// deleted. Zero disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefinitionsConfig describes where to find wizard definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// BackendConfig describes the remote registration backend.
type BackendConfig struct {
	IdentityEndpoint string               `yaml:"identity_endpoint"`
	CreateEndpoint   string               `yaml:"create_endpoint"`
	Timeout          time.Duration        `yaml:"timeout"`
	SpecFile         string               `yaml:"spec_file"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for backend calls.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StoreConfig describes wizard session persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	KeyPrefix       string        `yaml:"key_prefix"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes idempotency store settings for submissions.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// UploadsConfig describes the blob bucket holding uploaded files.
type UploadsConfig struct {
	BucketURL string `yaml:"bucket_url"`
	MaxBytes  int64  `yaml:"max_bytes"`
}

// NotifyConfig describes the order notification channel.
type NotifyConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	EventTypes  []string      `yaml:"event_types"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Session: SessionConfig{
			CookieName:       "drop_wizard",
			SigningKeyEnv:    "DROP_SESSION_SIGNING_KEY",
			Issuer:           "droponboard",
			TTL:              2 * time.Hour,
			Secure:           true,
			StaleSubmitAfter: 2 * time.Minute,
			SweepInterval:    5 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"definitions"},
		},
		Backend: BackendConfig{
			Timeout: 15 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "DROP_STORE_DSN",
			AddrEnv:         "DROP_REDIS_ADDR",
			KeyPrefix:       "drop:wizard:",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "DROP_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Uploads: UploadsConfig{
			BucketURL: "mem://",
			MaxBytes:  5 << 20,
		},
		Notify: NotifyConfig{
			EventTypes:  []string{"new_order", "order_update"},
			DialTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Backend.IdentityEndpoint == "" {
		errs = append(errs, "backend.identity_endpoint is required")
	}
	if c.Backend.CreateEndpoint == "" {
		errs = append(errs, "backend.create_endpoint is required")
	}
	if len(c.Session.SigningKey) < 32 {
		errs = append(errs, fmt.Sprintf("session signing key (%s) must be at least 32 bytes", c.Session.SigningKeyEnv))
	}
	switch c.Store.Driver {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, redis, postgres", c.Store.Driver))
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q must be memory or redis", c.Idempotency.Store.Driver))
		}
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		errs = append(errs, "notify.url is required when notify.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads DROP_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DROP_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DROP_BACKEND_IDENTITY_ENDPOINT"); v != "" {
		cfg.Backend.IdentityEndpoint = v
	}
	if v := os.Getenv("DROP_BACKEND_CREATE_ENDPOINT"); v != "" {
		cfg.Backend.CreateEndpoint = v
	}
	if v := os.Getenv("DROP_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DROP_UPLOADS_BUCKET_URL"); v != "" {
		cfg.Uploads.BucketURL = v
	}
	if v := os.Getenv("DROP_NOTIFY_URL"); v != "" {
		cfg.Notify.URL = v
	}
	if v := os.Getenv("DROP_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if cfg.Session.SigningKeyEnv != "" {
		if v := os.Getenv(cfg.Session.SigningKeyEnv); v != "" {
			cfg.Session.SigningKey = v
		}
	}
}
