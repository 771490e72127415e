// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the Redis URL used for request throttling. Empty disables throttling.
	RedisURL string `mapstructure:"REDIS_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel overrides the zap level (debug, info, warn, error). Empty keeps the environment default.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// BaseURL is the public origin used to build verification links (e.g. https://app.example.com).
	BaseURL string `mapstructure:"APP_BASE_URL"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	// When both keys are empty outside production an ephemeral ES256 key is generated at startup.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim of session tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim of session tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// SessionTTLRaw is the default session lifetime (e.g. "24h").
	SessionTTLRaw string `mapstructure:"SESSION_TTL"`
	// SessionRememberTTLRaw is the session lifetime when "remember me" is requested (e.g. "720h").
	SessionRememberTTLRaw string `mapstructure:"SESSION_REMEMBER_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// ChallengeTTLRaw is the verification challenge lifetime shared by link and code (e.g. "10m").
	ChallengeTTLRaw string `mapstructure:"CHALLENGE_TTL"`
	// ChallengeMaxAttempts is the number of wrong codes after which a challenge is revoked.
	ChallengeMaxAttempts int `mapstructure:"CHALLENGE_MAX_ATTEMPTS"`
	// CodeLength is the number of characters of the short verification code.
	CodeLength int `mapstructure:"CODE_LENGTH"`
	// OnboardingTTLRaw is how long a verified onboarding session may stay unfinished (e.g. "1h").
	OnboardingTTLRaw string `mapstructure:"ONBOARDING_TTL"`

	// MailFrom is the sender address of verification messages.
	MailFrom string `mapstructure:"MAIL_FROM"`
	// ResendAPIKey is the API key for the Resend email API. Empty disables the HTTP mail sender.
	ResendAPIKey string `mapstructure:"RESEND_API_KEY"`
	// ResendBaseURL is the Resend API endpoint (default https://api.resend.com/emails).
	ResendBaseURL string `mapstructure:"RESEND_BASE_URL"`
	// MailKafkaTopic, when set together with KAFKA_BROKERS, publishes messages for an external mailer.
	MailKafkaTopic string `mapstructure:"MAIL_KAFKA_TOPIC"`
	// DevMailbox keeps delivered messages in memory and exposes GET /dev/mailbox. Must not be true in production.
	DevMailbox bool `mapstructure:"DEV_MAILBOX"`

	// SignupPolicyFile is an optional path to a Rego module replacing the default signup policy.
	SignupPolicyFile string `mapstructure:"SIGNUP_POLICY_FILE"`
	// SignupBlockedDomains is a comma-separated list of email domains refused at signup.
	SignupBlockedDomains string `mapstructure:"SIGNUP_BLOCKED_DOMAINS"`

	// RateLimitWindowRaw is the fixed throttling window (e.g. "15m").
	RateLimitWindowRaw string `mapstructure:"RATE_LIMIT_WINDOW"`
	// RateLimitMax is the number of requests allowed per key within one window.
	RateLimitMax int `mapstructure:"RATE_LIMIT_MAX"`

	// CORSAllowedOrigins is a comma-separated list of origins allowed by the HTTP API.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// Telemetry (optional). When Kafka brokers are set, domain events are also published to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for domain events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint. Empty uses no-op exporters.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// Janitor-only: how often expired challenges and onboarding sessions are purged.
	JanitorIntervalRaw string `mapstructure:"JANITOR_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("APP_BASE_URL", "http://localhost:8080")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "identity-onboarding")
	v.SetDefault("JWT_AUDIENCE", "identity-onboarding-api")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("SESSION_REMEMBER_TTL", "720h") // 30d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("CHALLENGE_TTL", "10m")
	v.SetDefault("CHALLENGE_MAX_ATTEMPTS", 5)
	v.SetDefault("CODE_LENGTH", 6)
	v.SetDefault("ONBOARDING_TTL", "1h")
	v.SetDefault("MAIL_FROM", "onboarding@resend.dev")
	v.SetDefault("RESEND_API_KEY", "")
	v.SetDefault("RESEND_BASE_URL", "https://api.resend.com/emails")
	v.SetDefault("MAIL_KAFKA_TOPIC", "")
	v.SetDefault("DEV_MAILBOX", false)
	v.SetDefault("SIGNUP_POLICY_FILE", "")
	v.SetDefault("SIGNUP_BLOCKED_DOMAINS", "")
	v.SetDefault("RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("RATE_LIMIT_MAX", 10)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "identity-onboarding-events")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "identity-onboarding-event-worker")
	v.SetDefault("JANITOR_INTERVAL", "1h")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.DevMailbox && cfg.IsProduction() {
		return nil, errors.New("config: DEV_MAILBOX must not be true when APP_ENV=production")
	}

	if cfg.IsProduction() && (cfg.JWTPrivateKey == "" || cfg.JWTPublicKey == "") {
		return nil, errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required when APP_ENV=production")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.ChallengeMaxAttempts <= 0 {
		return nil, errors.New("config: CHALLENGE_MAX_ATTEMPTS must be positive")
	}
	if cfg.CodeLength < 4 || cfg.CodeLength > 12 {
		return nil, errors.New("config: CODE_LENGTH must be between 4 and 12")
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("config: APP_BASE_URL must be set")
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

// SessionTTL parses SessionTTLRaw as a time.Duration. Returns 24h if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.SessionTTLRaw, 24*time.Hour)
}

// SessionRememberTTL parses SessionRememberTTLRaw. Returns 720h if unset or invalid.
func (c *Config) SessionRememberTTL() time.Duration {
	return parseDuration(c.SessionRememberTTLRaw, 720*time.Hour)
}

// ChallengeTTL parses ChallengeTTLRaw. Returns 10m if unset or invalid.
func (c *Config) ChallengeTTL() time.Duration {
	return parseDuration(c.ChallengeTTLRaw, 10*time.Minute)
}

// OnboardingTTL parses OnboardingTTLRaw. Returns 1h if unset or invalid.
func (c *Config) OnboardingTTL() time.Duration {
	return parseDuration(c.OnboardingTTLRaw, time.Hour)
}

// RateLimitWindow parses RateLimitWindowRaw. Returns 15m if unset or invalid.
func (c *Config) RateLimitWindow() time.Duration {
	return parseDuration(c.RateLimitWindowRaw, 15*time.Minute)
}

// JanitorInterval parses JanitorIntervalRaw. Returns 1h if unset or invalid.
func (c *Config) JanitorInterval() time.Duration {
	return parseDuration(c.JanitorIntervalRaw, time.Hour)
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if Kafka publishing is enabled (non-empty list) and to create producers.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TelemetryKafkaBrokers)
}

// SignupBlockedDomainsList returns the lower-cased blocked signup domains.
func (c *Config) SignupBlockedDomainsList() []string {
	if c == nil {
		return nil
	}
	out := splitList(c.SignupBlockedDomains)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// CORSAllowedOriginsList returns the configured CORS origins.
func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
