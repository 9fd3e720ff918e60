package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig(env string) Config {
	return Config{
		App:   AppConfig{Env: env, Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "ingest"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
		Vault: VaultConfig{Key: make([]byte, 32)},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV is required", "DB_HOST is required", "VAULT_KEY is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig("production")
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Webhook.FreshnessWindow != 5*time.Minute {
		t.Fatalf("expected 5m freshness window, got %s", c.Webhook.FreshnessWindow)
	}
	if c.Poller.Schedule != "@every 15m" || c.Poller.BackfillDefaultDays != 30 {
		t.Fatalf("unexpected poller defaults: %+v", c.Poller)
	}
	if c.Ingest.MaxRetries != 5 || c.Ingest.NotifyChannel != "sync_queue" {
		t.Fatalf("unexpected ingest defaults: %+v", c.Ingest)
	}
	if c.App.ReportingCurrency != "USD" {
		t.Fatalf("expected USD reporting currency, got %q", c.App.ReportingCurrency)
	}
}

func TestValidate_RejectsShortVaultKey(t *testing.T) {
	c := validConfig("local")
	c.Vault.Key = []byte("short")
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("expected vault key length error, got %v", err)
	}
}

func TestLoad_ParsesEnv(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "n")
	t.Setenv("REDIS_HOST", "r")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("VAULT_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	t.Setenv("INGEST_WORKERS", "7")
	t.Setenv("WEBHOOK_REQUIRE_SECRET", "true")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Ingest.Workers != 7 || !c.Webhook.RequireSecret || c.App.Port != 9090 {
		t.Fatalf("unexpected parsed config: %+v", c)
	}
	if !strings.HasPrefix(c.PostgresURL(), "postgres://u:@db:5432/n") {
		t.Fatalf("unexpected url %q", c.PostgresURL())
	}
}

func TestLoad_ReportsBadInt(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Setenv("APP_PORT", "abc")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "APP_PORT must be an integer") {
		t.Fatalf("expected APP_PORT parse error, got %v", err)
	}
}
