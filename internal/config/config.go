package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env (or an env-file loaded before parsing).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Ingest  IngestConfig
	Poller  PollerConfig
	Webhook WebhookConfig
	Health  HealthConfig
	Vault   VaultConfig
}

type AppConfig struct {
	Env  string
	Port int

	// ReportingCurrency is used for accounts without an explicit reporting currency.
	ReportingCurrency string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string

	MaxOpenConns int
	// RunMigrations applies embedded migrations at startup.
	RunMigrations bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// IngestConfig controls the queue-draining worker pool.
type IngestConfig struct {
	Workers       int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	ClaimTimeout  time.Duration
	SweepInterval time.Duration
	IdlePoll      time.Duration
	// NotifyChannel is the Postgres LISTEN channel used to wake idle workers.
	NotifyChannel string
}

type PollerConfig struct {
	Enabled bool
	// Schedule is a cron spec; "@every 15m" by default.
	Schedule            string
	RecentLimit         int
	BackfillDefaultDays int
	BackfillMaxDays     int
	Concurrency         int
	// ProviderConcurrency caps concurrent polls per provider across all instances (Redis).
	ProviderConcurrency int
	CallTimeout         time.Duration
	RatePerSecond       float64
	Interval            time.Duration
}

type WebhookConfig struct {
	// RequireSecret rejects webhooks for integrations without a signing secret.
	RequireSecret   bool
	MaxBodyBytes    int64
	FreshnessWindow time.Duration
	RotationGrace   time.Duration
}

type HealthConfig struct {
	Window   time.Duration
	Interval time.Duration
}

type VaultConfig struct {
	// Key is 32 raw bytes, provided base64-encoded in VAULT_KEY.
	Key []byte
}

// Load reads configuration from the environment. When ENV_FILE is set that file
// is loaded first; otherwise a local .env is loaded if present.
func Load() (Config, error) {
	if path := strings.TrimSpace(os.Getenv("ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = intVar(&parseErrs, mustInt, "APP_PORT")
	c.App.ReportingCurrency = strings.ToUpper(strings.TrimSpace(os.Getenv("REPORTING_CURRENCY")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = intVar(&parseErrs, mustInt, "DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.MaxOpenConns = intVar(&parseErrs, optionalInt, "DB_MAX_OPEN_CONNS")
	c.DB.RunMigrations = boolVar(&parseErrs, "DB_RUN_MIGRATIONS", true)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = intVar(&parseErrs, mustInt, "REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = intVar(&parseErrs, optionalInt, "REDIS_DB")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Ingest.Workers = intVar(&parseErrs, optionalInt, "INGEST_WORKERS")
	c.Ingest.MaxRetries = intVar(&parseErrs, optionalInt, "INGEST_MAX_RETRIES")
	c.Ingest.BackoffBase = mustDuration("INGEST_BACKOFF_BASE")
	c.Ingest.BackoffMax = mustDuration("INGEST_BACKOFF_MAX")
	c.Ingest.ClaimTimeout = mustDuration("INGEST_CLAIM_TIMEOUT")
	c.Ingest.SweepInterval = mustDuration("INGEST_SWEEP_INTERVAL")
	c.Ingest.IdlePoll = mustDuration("INGEST_IDLE_POLL")
	c.Ingest.NotifyChannel = strings.TrimSpace(os.Getenv("INGEST_NOTIFY_CHANNEL"))

	c.Poller.Enabled = boolVar(&parseErrs, "POLLER_ENABLED", true)
	c.Poller.Schedule = strings.TrimSpace(os.Getenv("POLLER_SCHEDULE"))
	c.Poller.RecentLimit = intVar(&parseErrs, optionalInt, "POLLER_RECENT_LIMIT")
	c.Poller.BackfillDefaultDays = intVar(&parseErrs, optionalInt, "POLLER_BACKFILL_DAYS")
	c.Poller.BackfillMaxDays = intVar(&parseErrs, optionalInt, "POLLER_BACKFILL_MAX_DAYS")
	c.Poller.Concurrency = intVar(&parseErrs, optionalInt, "POLLER_CONCURRENCY")
	c.Poller.ProviderConcurrency = intVar(&parseErrs, optionalInt, "POLLER_PROVIDER_CONCURRENCY")
	c.Poller.CallTimeout = mustDuration("POLLER_CALL_TIMEOUT")
	c.Poller.Interval = mustDuration("POLLER_INTERVAL")
	if v := strings.TrimSpace(os.Getenv("POLLER_RATE_PER_SECOND")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("POLLER_RATE_PER_SECOND must be a number, got %q", v))
		}
		c.Poller.RatePerSecond = f
	}

	c.Webhook.RequireSecret = boolVar(&parseErrs, "WEBHOOK_REQUIRE_SECRET", false)
	c.Webhook.MaxBodyBytes = int64(intVar(&parseErrs, optionalInt, "WEBHOOK_MAX_BODY_BYTES"))
	c.Webhook.FreshnessWindow = mustDuration("WEBHOOK_FRESHNESS_WINDOW")
	c.Webhook.RotationGrace = mustDuration("WEBHOOK_ROTATION_GRACE")

	c.Health.Window = mustDuration("HEALTH_WINDOW")
	c.Health.Interval = mustDuration("HEALTH_INTERVAL")

	if raw := strings.TrimSpace(os.Getenv("VAULT_KEY")); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			parseErrs = append(parseErrs, errors.New("VAULT_KEY must be base64"))
		}
		c.Vault.Key = key
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.ReportingCurrency == "" {
		c.App.ReportingCurrency = "USD"
	} else if len(c.App.ReportingCurrency) != 3 {
		errs = append(errs, fmt.Errorf("REPORTING_CURRENCY must be an ISO-4217 code, got %q", c.App.ReportingCurrency))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	c.applyIngestDefaults()
	if c.Ingest.BackoffMax < c.Ingest.BackoffBase {
		errs = append(errs, errors.New("INGEST_BACKOFF_MAX must be >= INGEST_BACKOFF_BASE"))
	}

	c.applyPollerDefaults()
	if c.Poller.BackfillDefaultDays > c.Poller.BackfillMaxDays {
		errs = append(errs, errors.New("POLLER_BACKFILL_DAYS must be <= POLLER_BACKFILL_MAX_DAYS"))
	}

	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
	if c.Webhook.FreshnessWindow <= 0 {
		c.Webhook.FreshnessWindow = 5 * time.Minute
	}
	if c.Webhook.RotationGrace <= 0 {
		c.Webhook.RotationGrace = time.Hour
	}

	if c.Health.Window <= 0 {
		c.Health.Window = 24 * time.Hour
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = time.Minute
	}

	if len(c.Vault.Key) == 0 {
		errs = append(errs, errors.New("VAULT_KEY is required"))
	} else if len(c.Vault.Key) != 32 {
		errs = append(errs, fmt.Errorf("VAULT_KEY must decode to 32 bytes, got %d", len(c.Vault.Key)))
	}

	return joinErrors(errs)
}

func (c *Config) applyIngestDefaults() {
	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.MaxRetries <= 0 {
		c.Ingest.MaxRetries = 5
	}
	if c.Ingest.BackoffBase <= 0 {
		c.Ingest.BackoffBase = 5 * time.Second
	}
	if c.Ingest.BackoffMax <= 0 {
		c.Ingest.BackoffMax = 10 * time.Minute
	}
	if c.Ingest.ClaimTimeout <= 0 {
		c.Ingest.ClaimTimeout = 2 * time.Minute
	}
	if c.Ingest.SweepInterval <= 0 {
		c.Ingest.SweepInterval = 30 * time.Second
	}
	if c.Ingest.IdlePoll <= 0 {
		c.Ingest.IdlePoll = 2 * time.Second
	}
	if c.Ingest.NotifyChannel == "" {
		c.Ingest.NotifyChannel = "sync_queue"
	}
}

func (c *Config) applyPollerDefaults() {
	if c.Poller.Schedule == "" {
		c.Poller.Schedule = "@every 15m"
	}
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = 15 * time.Minute
	}
	if c.Poller.RecentLimit <= 0 {
		c.Poller.RecentLimit = 100
	}
	if c.Poller.BackfillDefaultDays <= 0 {
		c.Poller.BackfillDefaultDays = 30
	}
	if c.Poller.BackfillMaxDays <= 0 {
		c.Poller.BackfillMaxDays = 90
	}
	if c.Poller.Concurrency <= 0 {
		c.Poller.Concurrency = 4
	}
	if c.Poller.ProviderConcurrency <= 0 {
		c.Poller.ProviderConcurrency = 2
	}
	if c.Poller.CallTimeout <= 0 {
		c.Poller.CallTimeout = 20 * time.Second
	}
	if c.Poller.RatePerSecond <= 0 {
		c.Poller.RatePerSecond = 5
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// PostgresURL is the URL form of the DSN, required by the migration runner and lib/pq listener.
func (c Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: url.Values{"sslmode": []string{c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func intVar(errs *[]error, parse func(string) (int, error), key string) int {
	n, err := parse(key)
	if err != nil {
		*errs = append(*errs, err)
	}
	return n
}

func boolVar(errs *[]error, key string, def bool) bool {
	b, err := optionalBool(key, def)
	if err != nil {
		*errs = append(*errs, err)
	}
	return b
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
