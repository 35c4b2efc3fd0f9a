// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	AppURL    string // Public base URL used in emails and gateway callbacks

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional, enables cross-instance realtime fan-out

	// Domain events
	KafkaBrokers     []string
	KafkaTopicPrefix string

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// Payment gateways
	PaystackSecretKey      string
	PaystackBaseURL        string
	FlutterwaveSecretKey   string
	FlutterwaveBaseURL     string
	FlutterwaveWebhookHash string
	StripeSecretKey        string
	GatewayTimeout         time.Duration
	PaymentCallbackURL     string

	// KYC provider
	KYCWebhookSecret string

	// Email
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// HTTP hardening
	RateLimitRPM int
	CORSOrigins  []string

	// Tracing
	OTLPEndpoint string

	// Pending transaction sweep
	PendingSweepInterval time.Duration
	PendingSweepAge      time.Duration
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultAppURL           = "http://localhost:3000"
	DefaultPaystackBaseURL  = "https://api.paystack.co"
	DefaultFlutterwaveURL   = "https://api.flutterwave.com/v3"
	DefaultKafkaTopicPrefix = "safehold."
	DefaultRateLimitRPM     = 120
	DefaultSMTPPort         = 587
	DefaultMailFrom         = "SafeHold <no-reply@safehold.ng>"

	// MinJWTSecretLength is the shortest accepted HS256 signing secret.
	MinJWTSecretLength = 32
)

const (
	DefaultJWTTTL               = 24 * time.Hour
	DefaultGatewayTimeout       = 10 * time.Second
	DefaultPendingSweepInterval = 5 * time.Minute
	DefaultPendingSweepAge      = 15 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		AppURL:                 getEnv("APP_URL", DefaultAppURL),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS"),
		KafkaTopicPrefix:       getEnv("KAFKA_TOPIC_PREFIX", DefaultKafkaTopicPrefix),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		JWTTTL:                 getEnvDuration("JWT_TTL", DefaultJWTTTL),
		PaystackSecretKey:      os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:        getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		FlutterwaveSecretKey:   os.Getenv("FLUTTERWAVE_SECRET_KEY"),
		FlutterwaveBaseURL:     getEnv("FLUTTERWAVE_BASE_URL", DefaultFlutterwaveURL),
		FlutterwaveWebhookHash: os.Getenv("FLUTTERWAVE_WEBHOOK_HASH"),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:         getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		PaymentCallbackURL:     os.Getenv("PAYMENT_CALLBACK_URL"),
		KYCWebhookSecret:       os.Getenv("KYC_WEBHOOK_SECRET"),
		SMTPHost:               os.Getenv("SMTP_HOST"),
		SMTPPort:               int(getEnvInt64("SMTP_PORT", DefaultSMTPPort)),
		SMTPUsername:           os.Getenv("SMTP_USERNAME"),
		SMTPPassword:           os.Getenv("SMTP_PASSWORD"),
		MailFrom:               getEnv("MAIL_FROM", DefaultMailFrom),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:            getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PendingSweepInterval:   getEnvDuration("PENDING_SWEEP_INTERVAL", DefaultPendingSweepInterval),
		PendingSweepAge:        getEnvDuration("PENDING_SWEEP_AGE", DefaultPendingSweepAge),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", MinJWTSecretLength)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.PaystackSecretKey == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
