package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 4, MaxIdleConns: 2}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"zero ping timeout", func(c *Config) { c.PingTimeout = 0 }},
		{"no open conns", func(c *Config) { c.MaxOpenConns = 0 }},
		{"idle above open", func(c *Config) { c.MaxIdleConns = 5 }},
		{"negative lifetime", func(c *Config) { c.ConnMaxLifetime = -time.Second }},
		{"negative retries", func(c *Config) { c.ConnectRetries = -1 }},
		{"retry without backoff", func(c *Config) { c.ConnectRetries = 3 }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigValidateReportsEveryIssue(t *testing.T) {
	err := Config{MaxIdleConns: -1}.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"DATABASE_URL", "DATABASE_PING_TIMEOUT", "DATABASE_MAX_OPEN_CONNS", "DATABASE_MAX_IDLE_CONNS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err=%q, missing %s", err, want)
		}
	}
}

func TestConfigFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("DATABASE_CONNECT_RETRIES", "many")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
}
