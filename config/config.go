// Package config loads service settings from the environment (optionally
// seeded by a .env file) through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Stripe modes.
const (
	StripeModeTest = "test"
	StripeModeLive = "live"
	StripeModeFake = "fake"
)

type Config struct {
	Env  string
	Port string

	DBDriver string
	DSN      string

	Secret   string
	TokenTTL time.Duration

	Stripe StripeConfig
	SMTP   SMTPConfig

	FrontendURL        string
	CORSOrigins        []string
	RateLimitPerMinute int

	ReconcileSchedule string
	OrderExpiry       time.Duration

	LogLevel  string
	LogFormat string
}

type StripeConfig struct {
	Mode          string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

type SMTPConfig struct {
	Server   string
	Port     string
	User     string
	Pass     string
	FromAddr string
	FromName string
}

// Enabled reports whether enough SMTP settings are present to send mail.
func (s SMTPConfig) Enabled() bool {
	return s.Server != "" && s.Port != "" && s.FromAddr != ""
}

// New returns a viper instance with every key's default registered and
// environment lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("GIN_PORT", "8080")
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB", "")
	v.SetDefault("SECRET", "")
	v.SetDefault("TOKEN_TTL", 30*24*time.Hour)
	v.SetDefault("STRIPE_MODE", StripeModeTest)
	v.SetDefault("STRIPE_TIMEOUT", 10*time.Second)
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	v.SetDefault("ORDER_EXPIRY", 24*time.Hour)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("SMTP_PORT", "587")
	v.SetDefault("FROM_NAME", "TCF Prep")

	for _, key := range []string{
		"STRIPE_TEST_SECRET_KEY", "STRIPE_LIVE_SECRET_KEY",
		"STRIPE_TEST_WEBHOOK_SECRET", "STRIPE_LIVE_WEBHOOK_SECRET",
		"SMTP_SERVER", "SMTP_USER", "SMTP_PASS", "FROM_ADDR",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads a Config from v. A non-empty file is merged in first.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		Env:                v.GetString("APP_ENV"),
		Port:               v.GetString("GIN_PORT"),
		DBDriver:           strings.ToLower(v.GetString("DB_DRIVER")),
		DSN:                v.GetString("DB"),
		Secret:             v.GetString("SECRET"),
		TokenTTL:           v.GetDuration("TOKEN_TTL"),
		FrontendURL:        strings.TrimRight(v.GetString("FRONTEND_URL"), "/"),
		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		ReconcileSchedule:  v.GetString("RECONCILE_SCHEDULE"),
		OrderExpiry:        v.GetDuration("ORDER_EXPIRY"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
		SMTP: SMTPConfig{
			Server:   v.GetString("SMTP_SERVER"),
			Port:     v.GetString("SMTP_PORT"),
			User:     v.GetString("SMTP_USER"),
			Pass:     v.GetString("SMTP_PASS"),
			FromAddr: v.GetString("FROM_ADDR"),
			FromName: v.GetString("FROM_NAME"),
		},
	}

	for _, origin := range strings.Split(v.GetString("CORS_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	mode := strings.ToLower(v.GetString("STRIPE_MODE"))
	cfg.Stripe = StripeConfig{Mode: mode, Timeout: v.GetDuration("STRIPE_TIMEOUT")}
	switch mode {
	case StripeModeLive:
		cfg.Stripe.SecretKey = v.GetString("STRIPE_LIVE_SECRET_KEY")
		cfg.Stripe.WebhookSecret = v.GetString("STRIPE_LIVE_WEBHOOK_SECRET")
	case StripeModeTest, StripeModeFake:
		cfg.Stripe.SecretKey = v.GetString("STRIPE_TEST_SECRET_KEY")
		cfg.Stripe.WebhookSecret = v.GetString("STRIPE_TEST_WEBHOOK_SECRET")
	default:
		return nil, fmt.Errorf("unknown STRIPE_MODE %q", mode)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "mysql", "postgres":
		if c.DSN == "" {
			return fmt.Errorf("DB must be set for driver %s", c.DBDriver)
		}
	case "sqlite":
		if c.DSN == "" {
			c.DSN = "tcfprep.db"
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.Stripe.Mode == StripeModeLive && c.Stripe.SecretKey == "" {
		return fmt.Errorf("STRIPE_LIVE_SECRET_KEY is required in live mode")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
