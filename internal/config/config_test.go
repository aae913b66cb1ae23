package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 24*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 365*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, "UTC", cfg.SchedulerTimezone)
	assert.Equal(t, "0 * * * *", cfg.ExpireSweepCron)
	assert.Equal(t, 15*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 100, cfg.RateLimitRequests)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ACCESS_TOKEN_TTL", "1h")
	t.Setenv("SCHEDULER_TIMEZONE", "Europe/Berlin")
	t.Setenv("RATE_LIMIT_REQUESTS", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, "Europe/Berlin", cfg.SchedulerTimezone)
	assert.Equal(t, 42, cfg.RateLimitRequests)
}

func TestLoadIgnoresMalformedOverrides(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL", "not-a-duration")
	t.Setenv("RATE_LIMIT_REQUESTS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 100, cfg.RateLimitRequests)
}

func TestProductionValidation(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")

	_, err := Load()
	require.Error(t, err, "default signing secret must be rejected in production")

	t.Setenv("LICENSE_SIGNING_SECRET", "a-real-secret")
	_, err = Load()
	require.Error(t, err, "missing admin key must be rejected in production")

	t.Setenv("ADMIN_API_KEY", "an-admin-key")
	_, err = Load()
	require.NoError(t, err)
}

func TestParsePriceMap(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"single pair", "price_123:basic", map[string]string{"price_123": "basic"}},
		{
			"multiple pairs with spaces",
			"price_123:basic, price_456:premium",
			map[string]string{"price_123": "basic", "price_456": "premium"},
		},
		{"malformed entries skipped", "price_123:basic,bogus,:empty,also:", map[string]string{"price_123": "basic"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parsePriceMap(tt.raw))
		})
	}
}
