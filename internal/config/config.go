package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice core service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Session store configuration
	// When DATABASE_URL is empty the service runs on the in-memory store
	// (single-node deployments and tests).
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	// Audio scheduling configuration
	OutputSampleRate    int `envconfig:"OUTPUT_SAMPLE_RATE" default:"48000"`    // Fixed sink rate consumed by the transport
	DefaultInputRate    int `envconfig:"DEFAULT_INPUT_RATE" default:"24000"`    // Assumed provider rate when a chunk carries none
	MaxQueueDepth       int `envconfig:"MAX_QUEUE_DEPTH" default:"32"`          // Scheduled-buffer cap; chunks beyond it are dropped
	KeepaliveIntervalMs int `envconfig:"KEEPALIVE_INTERVAL_MS" default:"500"`   // Silence emission interval while the queue is empty
	KeepaliveLengthMs   int `envconfig:"KEEPALIVE_LENGTH_MS" default:"50"`      // Length of each silence buffer

	// Session ledger configuration
	DefaultTier        string `envconfig:"DEFAULT_TIER" default:"free"`           // Tier assumed when the identity provider reports none
	StaleAfterMinutes  int    `envconfig:"STALE_AFTER_MINUTES" default:"120"`     // Active sessions older than this are reaped
	ReaperIntervalSecs int    `envconfig:"REAPER_INTERVAL_SECONDS" default:"300"` // Sweep cadence

	// Room event webhook (optional). When empty, room events are not
	// delivered anywhere.
	NotifyWebhookURL  string `envconfig:"NOTIFY_WEBHOOK_URL" default:""`
	NotifyTimeoutSecs int    `envconfig:"NOTIFY_TIMEOUT_SECONDS" default:"5"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.OutputSampleRate <= 0 {
		return nil, fmt.Errorf("OUTPUT_SAMPLE_RATE must be positive, got %d", cfg.OutputSampleRate)
	}
	if cfg.MaxQueueDepth <= 0 {
		return nil, fmt.Errorf("MAX_QUEUE_DEPTH must be positive, got %d", cfg.MaxQueueDepth)
	}
	if cfg.StaleAfterMinutes <= 0 {
		return nil, fmt.Errorf("STALE_AFTER_MINUTES must be positive, got %d", cfg.StaleAfterMinutes)
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
