package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := New()
	v.Set("DB_DRIVER", "sqlite")

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "tcfprep.db", cfg.DSN)
	assert.Equal(t, StripeModeTest, cfg.Stripe.Mode)
	assert.Equal(t, 10*time.Second, cfg.Stripe.Timeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 60, cfg.RateLimitPerMinute)
	assert.False(t, cfg.SMTP.Enabled())
}

func TestLoadPicksStripeKeysForMode(t *testing.T) {
	v := New()
	v.Set("DB_DRIVER", "sqlite")
	v.Set("STRIPE_MODE", "live")
	v.Set("STRIPE_LIVE_SECRET_KEY", "sk_live_x")
	v.Set("STRIPE_LIVE_WEBHOOK_SECRET", "whsec_live")
	v.Set("STRIPE_TEST_SECRET_KEY", "sk_test_x")
	v.Set("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, "sk_live_x", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_live", cfg.Stripe.WebhookSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := map[string]map[string]any{
		"mysql without dsn": {"DB_DRIVER": "mysql"},
		"unknown driver":    {"DB_DRIVER": "oracle"},
		"unknown mode":      {"DB_DRIVER": "sqlite", "STRIPE_MODE": "sandbox"},
		"live without key":  {"DB_DRIVER": "sqlite", "STRIPE_MODE": "live"},
	}

	for name, values := range tests {
		t.Run(name, func(t *testing.T) {
			v := New()
			for k, val := range values {
				v.Set(k, val)
			}
			_, err := Load(v, "")
			assert.Error(t, err)
		})
	}
}
