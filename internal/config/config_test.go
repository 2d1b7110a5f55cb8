package config

import (
	"strings"
	"testing"
	"time"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func TestLoad_valid(t *testing.T) {
	t.Setenv("DROP_TEST_SIGNING_KEY", testSigningKey)

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Session.CookieName != "drop_test" {
		t.Errorf("Session.CookieName = %q", cfg.Session.CookieName)
	}
	if cfg.Session.SigningKey != testSigningKey {
		t.Errorf("Session.SigningKey not read from %s", cfg.Session.SigningKeyEnv)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("Session.TTL = %v, want 30m", cfg.Session.TTL)
	}
	if cfg.Session.StaleSubmitAfter != 2*time.Minute {
		t.Errorf("Session.StaleSubmitAfter = %v, want default 2m", cfg.Session.StaleSubmitAfter)
	}
	if cfg.Backend.CreateEndpoint != "https://api.drop.example/vendor/create" {
		t.Errorf("Backend.CreateEndpoint = %q", cfg.Backend.CreateEndpoint)
	}
	if cfg.Backend.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.Backend.CircuitBreaker.FailureThreshold)
	}
	if cfg.Backend.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Backend.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.DB != 2 {
		t.Errorf("Store = %+v, want redis db 2", cfg.Store)
	}
	if cfg.Uploads.MaxBytes != 2<<20 {
		t.Errorf("Uploads.MaxBytes = %d, want 2MiB", cfg.Uploads.MaxBytes)
	}
	if !cfg.Notify.Enabled || len(cfg.Notify.EventTypes) != 1 {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_backend(t *testing.T) {
	t.Setenv("DROP_TEST_SIGNING_KEY", testSigningKey)

	_, err := Load("testdata/missing_backend.yaml")
	if err == nil {
		t.Fatal("Load() with missing backend endpoints should return error")
	}
	if !strings.Contains(err.Error(), "backend.identity_endpoint") {
		t.Errorf("error = %v, want mention of backend.identity_endpoint", err)
	}
}

func TestLoad_missing_signing_key(t *testing.T) {
	t.Setenv("DROP_TEST_SIGNING_KEY", "")

	_, err := Load("testdata/valid.yaml")
	if err == nil {
		t.Fatal("Load() without signing key should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if got := cfg.Notify.EventTypes; len(got) != 2 || got[0] != "new_order" || got[1] != "order_update" {
		t.Errorf("default Notify.EventTypes = %v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DROP_TEST_SIGNING_KEY", testSigningKey)
	t.Setenv("DROP_SERVER_PORT", "3000")
	t.Setenv("DROP_BACKEND_CREATE_ENDPOINT", "https://env.drop.example/create")
	t.Setenv("DROP_STORE_DRIVER", "postgres")
	t.Setenv("DROP_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Backend.CreateEndpoint != "https://env.drop.example/create" {
		t.Errorf("Backend.CreateEndpoint = %q, want env override", cfg.Backend.CreateEndpoint)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres (env override)", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Backend.IdentityEndpoint = "https://api.drop.example/verify"
	cfg.Backend.CreateEndpoint = "https://api.drop.example/create"
	cfg.Session.SigningKey = testSigningKey
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, true},
		{"short signing key", func(c *Config) { c.Session.SigningKey = "short" }, true},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "sqlite" }, true},
		{"unknown idempotency driver", func(c *Config) { c.Idempotency.Store.Driver = "etcd" }, true},
		{"idempotency disabled ignores driver", func(c *Config) {
			c.Idempotency.Enabled = false
			c.Idempotency.Store.Driver = "etcd"
		}, false},
		{"notify without url", func(c *Config) { c.Notify.Enabled = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
