package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mailwizard/delivery-core/internal/domain"
)

// Config holds all configuration for the delivery core.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Database   DatabaseConfig             `yaml:"database"`
	Redis      RedisConfig                `yaml:"redis"`
	Provider   ProviderConfig             `yaml:"provider"`
	Webhook    WebhookConfig              `yaml:"webhook"`
	Tracking   TrackingConfig             `yaml:"tracking"`
	Dispatch   DispatchConfig             `yaml:"dispatch"`
	Sending    SendingConfig              `yaml:"sending"`
	Plans      map[domain.PlanTier]int    `yaml:"plans"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, listening on all interfaces inside a
// container and allowing an environment override.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for the rate limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig holds the email delivery provider API settings.
type ProviderConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig holds inbound webhook verification settings. Mode is
// "enforced" or "disabled"; PublicKey is the provider's PEM-encoded ECDSA
// P-256 verification key.
type WebhookConfig struct {
	Mode      string `yaml:"mode"`
	PublicKey string `yaml:"public_key"`
}

// TrackingConfig holds unsubscribe-link signing and branding settings.
type TrackingConfig struct {
	SigningKey    string `yaml:"signing_key"`
	AppBaseURL    string `yaml:"app_base_url"`
	CompanyName   string `yaml:"company_name"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

// TokenTTL returns the unsubscribe token lifetime. Zero means the 30-day
// default.
func (c TrackingConfig) TokenTTL() time.Duration {
	if c.TokenTTLHours <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// DispatchConfig holds send-path tuning.
type DispatchConfig struct {
	BatchSize  int `yaml:"batch_size"`
	MaxRetries int `yaml:"max_retries"`
}

// SendingConfig holds the DNS record values users must publish to verify
// a custom sending domain.
type SendingConfig struct {
	DKIMSelector string `yaml:"dkim_selector"`
	DKIMValue    string `yaml:"dkim_value"`
	SPFValue     string `yaml:"spf_value"`
	MailCNAME    string `yaml:"mail_cname"`
}

// RateLimitConfig holds one endpoint's fixed-window rule.
type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the rule's window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 30
	}
	if cfg.Webhook.Mode == "" {
		cfg.Webhook.Mode = "enforced"
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 1000
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 3
	}
	if cfg.Sending.DKIMSelector == "" {
		cfg.Sending.DKIMSelector = "mw"
	}
	if cfg.Plans == nil {
		cfg.Plans = map[domain.PlanTier]int{
			domain.PlanFree:    2000,
			domain.PlanPro:     50000,
			domain.PlanProPlus: 250000,
		}
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{
			"dispatch.send": {MaxRequests: 10, WindowSeconds: 60},
		}
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("WEBHOOK_MODE"); v != "" {
		cfg.Webhook.Mode = v
	}
	if v := os.Getenv("WEBHOOK_PUBLIC_KEY"); v != "" {
		cfg.Webhook.PublicKey = v
	}
	if v := os.Getenv("UNSUBSCRIBE_SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("APP_BASE_URL"); v != "" {
		cfg.Tracking.AppBaseURL = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
