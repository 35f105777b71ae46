package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadParsesDurationsAndDefaults(t *testing.T) {
	path := writeConfigFile(t, `
environment: test
server:
  port: 9999
  read_timeout: 5s
postgres:
  dsn: "host=localhost dbname=settlement"
  conn_max_lifetime: 15m
kafka:
  brokers:
    - localhost:9092
jwt:
  secret: test-secret
  expiration: 1h
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("expected read timeout 5s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Postgres.ConnMaxLifetime != 15*time.Minute {
		t.Errorf("expected conn max lifetime 15m, got %v", cfg.Postgres.ConnMaxLifetime)
	}
	if cfg.JWT.Expiration != time.Hour {
		t.Errorf("expected jwt expiration 1h, got %v", cfg.JWT.Expiration)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}

	// Defaults fill in what the file omits.
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write timeout, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Server.RequestTimeout != 15*time.Second {
		t.Errorf("expected default request timeout, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Kafka.SettlementTopic != "settlement.events" {
		t.Errorf("expected default settlement topic, got %q", cfg.Kafka.SettlementTopic)
	}
	if cfg.Kafka.ClaimTopic != "claim.events" {
		t.Errorf("expected default claim topic, got %q", cfg.Kafka.ClaimTopic)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Logging.Level)
	}
	if cfg.Postgres.MaxOpenConns != 25 {
		t.Errorf("expected default max open conns, got %d", cfg.Postgres.MaxOpenConns)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{env: "development", want: true},
		{env: "dev", want: true},
		{env: "production", want: false},
		{env: "", want: false},
	}
	for _, tt := range tests {
		cfg := &Config{Environment: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.env, got, tt.want)
		}
	}
}
