package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "PORT", "9090")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	setEnv(t, "GATEWAY_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultPaystackBaseURL, cfg.PaystackBaseURL)
	assert.Equal(t, DefaultJWTTTL, cfg.JWTTTL)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid development config",
			config:  Config{Env: "development", JWTSecret: testSecret, GatewayTimeout: time.Second},
			wantErr: "",
		},
		{
			name:    "short secret",
			config:  Config{JWTSecret: "short", GatewayTimeout: time.Second},
			wantErr: "at least 32 bytes",
		},
		{
			name:    "zero gateway timeout",
			config:  Config{JWTSecret: testSecret},
			wantErr: "GATEWAY_TIMEOUT",
		},
		{
			name:    "production without database",
			config:  Config{Env: "production", JWTSecret: testSecret, GatewayTimeout: time.Second, PaystackSecretKey: "sk"},
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "production without gateway key",
			config:  Config{Env: "production", JWTSecret: testSecret, GatewayTimeout: time.Second, DatabaseURL: "postgres://x"},
			wantErr: "PAYSTACK_SECRET_KEY is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_BAD_DURATION", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DURATION", time.Minute))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}
