// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string // empty disables the gRPC health endpoint
	FrontendURL string
	APIURL      string // backend REST base, e.g. https://app.example.com/bapi
	DBPath      string
	LogLevel    string
	LogFile     string
	MetricsFile string

	RequestTimeout time.Duration
	WorkspaceTTL   time.Duration

	MetricsEnabled bool

	Usage     UsageConfig
	Speech    SpeechConfig
	PVC       PVCConfig
	Poll      PollConfig
	Billing   BillingConfig
	Assets    AssetsConfig
	RateLimit RateLimitConfig
}

// UsageConfig controls client-side usage metering.
type UsageConfig struct {
	TrackInterval    time.Duration
	CallTickInterval time.Duration
}

// SpeechConfig controls the speech recognition adapter.
type SpeechConfig struct {
	Lang         string
	IgnoreWindow time.Duration
}

// PVCConfig controls professional voice clone creation.
type PVCConfig struct {
	MinSamples     int
	MaxSampleBytes int64
}

// PollConfig holds intervals for background pollers.
type PollConfig struct {
	Progress time.Duration
	Training time.Duration
	Health   time.Duration
}

// BillingConfig holds Stripe client settings.
type BillingConfig struct {
	StripePublishableKey string
	ReturnURL            string
}

// AssetsConfig configures the S3 asset store. An empty Bucket disables it.
type AssetsConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// RateLimitConfig bounds chat sends per tab.
type RateLimitConfig struct {
	ChatPerMinute int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCPort:       getEnv("GRPC_PORT", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		APIURL:         strings.TrimRight(getEnv("API_URL", "http://localhost:8000/bapi"), "/"),
		DBPath:         getEnv("DB_PATH", "./data/expertline.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", ""),
		MetricsFile:    getEnv("METRICS_FILE", ""),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		WorkspaceTTL:   getEnvDuration("WORKSPACE_TTL", 30*time.Minute),
		Usage: UsageConfig{
			TrackInterval:    getEnvDuration("USAGE_TRACK_INTERVAL", 30*time.Second),
			CallTickInterval: getEnvDuration("CALL_TICK_INTERVAL", time.Second),
		},
		Speech: SpeechConfig{
			Lang:         getEnv("SPEECH_LANG", "en-US"),
			IgnoreWindow: getEnvDuration("SPEECH_IGNORE_WINDOW", 500*time.Millisecond),
		},
		PVC: PVCConfig{
			MinSamples:     getEnvInt("PVC_MIN_SAMPLES", 3),
			MaxSampleBytes: int64(getEnvInt("PVC_MAX_SAMPLE_BYTES", 10<<20)),
		},
		Poll: PollConfig{
			Progress: getEnvDuration("PROGRESS_POLL_INTERVAL", 2*time.Second),
			Training: getEnvDuration("TRAINING_POLL_INTERVAL", 10*time.Second),
			Health:   getEnvDuration("HEALTH_POLL_INTERVAL", 15*time.Second),
		},
		Billing: BillingConfig{
			StripePublishableKey: getEnv("STRIPE_PUBLISHABLE_KEY", ""),
			ReturnURL:            getEnv("STRIPE_RETURN_URL", ""),
		},
		Assets: AssetsConfig{
			Bucket:          getEnv("ASSETS_BUCKET", ""),
			Region:          getEnv("ASSETS_REGION", "us-east-1"),
			Endpoint:        getEnv("ASSETS_ENDPOINT", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
		RateLimit: RateLimitConfig{
			ChatPerMinute: getEnvInt("CHAT_RATE_LIMIT", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_URL must be an absolute URL, got %q", c.APIURL)
	}
	if c.WorkspaceTTL <= 0 {
		return fmt.Errorf("WORKSPACE_TTL must be > 0")
	}
	if c.Usage.TrackInterval <= 0 {
		return fmt.Errorf("USAGE_TRACK_INTERVAL must be > 0")
	}
	if c.Usage.CallTickInterval <= 0 {
		return fmt.Errorf("CALL_TICK_INTERVAL must be > 0")
	}
	if c.Poll.Progress <= 0 || c.Poll.Training <= 0 || c.Poll.Health <= 0 {
		return fmt.Errorf("poll intervals must be > 0")
	}
	if c.PVC.MinSamples <= 0 {
		return fmt.Errorf("PVC_MIN_SAMPLES must be > 0")
	}
	if c.PVC.MaxSampleBytes <= 0 {
		return fmt.Errorf("PVC_MAX_SAMPLE_BYTES must be > 0")
	}
	if c.RateLimit.ChatPerMinute <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT must be > 0")
	}
	if c.Assets.Bucket != "" && c.Assets.Region == "" {
		return fmt.Errorf("ASSETS_REGION cannot be empty when ASSETS_BUCKET is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// BillingEnabled reports whether Stripe confirmation is configured.
func (c *Config) BillingEnabled() bool {
	return c.Billing.StripePublishableKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
