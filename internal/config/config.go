// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the tradewatch engine.
type Config struct {
	// Feed
	FeedURL             string
	DataTimeout         time.Duration
	MaxConnectionAge    time.Duration
	HealthInterval      time.Duration
	BackupDelay         time.Duration
	BackupVerifyTimeout time.Duration
	ReadTimeout         time.Duration
	ReconnectDelay      time.Duration
	ReconnectMax        time.Duration
	FailoverRetries     int

	// Polymarket REST
	DataAPIURL        string
	GammaAPIURL       string
	LeaderboardAPIURL string
	APIRatePerSec     float64

	// Wallet poller
	PollInterval   time.Duration
	PollTradeLimit int

	// Classifier
	MarketRefresh      time.Duration
	TaxonomyRefresh    time.Duration
	LeaderboardRefresh time.Duration
	TopTraderCount     int

	// Routing
	BondFloor           float64
	TrackedIncludeSells bool

	// Volatility
	VolatilityInterval time.Duration
	VolatilityWindow   time.Duration
	VolatilityCooldown time.Duration

	// Pipeline
	QueueSize     int
	WorkerCount   int
	ConfigRefresh time.Duration

	// Storage
	StoreDriver   string
	DBPath        string
	DatabaseURL   string
	DedupBackend  string
	RedisAddr     string
	RedisPassword string
	DedupRedisTTL time.Duration

	// Dispatch
	DispatchTimeout time.Duration
	WebhookURL      string
	KafkaBrokers    []string
	KafkaTopic      string

	// Metrics
	PrometheusPort int

	// UI
	EnableTUI     bool
	UIRefreshRate time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > hardcoded defaults
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a Config from the current environment without validating it.
func FromEnv() *Config {
	return &Config{
		// Feed
		FeedURL:             getEnv("FEED_URL", "wss://ws-live-data.polymarket.com"),
		DataTimeout:         getEnvDuration("DATA_TIMEOUT", 120*time.Second),
		MaxConnectionAge:    getEnvDuration("MAX_CONNECTION_AGE", 3600*time.Second),
		HealthInterval:      getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
		BackupDelay:         getEnvDuration("BACKUP_DELAY", 3*time.Second),
		BackupVerifyTimeout: getEnvDuration("BACKUP_VERIFY_TIMEOUT", 10*time.Second),
		ReadTimeout:         getEnvDuration("READ_TIMEOUT", 30*time.Second),
		ReconnectDelay:      getEnvDuration("RECONNECT_DELAY", 5*time.Second),
		ReconnectMax:        getEnvDuration("RECONNECT_MAX", 60*time.Second),
		FailoverRetries:     getEnvInt("FAILOVER_RETRIES", 3),

		// REST
		DataAPIURL:        getEnv("DATA_API_URL", "https://data-api.polymarket.com"),
		GammaAPIURL:       getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		LeaderboardAPIURL: getEnv("LEADERBOARD_API_URL", "https://lb-api.polymarket.com"),
		APIRatePerSec:     getEnvFloat("API_RATE_PER_SEC", 10),

		// Poller
		PollInterval:   getEnvDuration("POLL_INTERVAL", 30*time.Second),
		PollTradeLimit: getEnvInt("POLL_TRADE_LIMIT", 10),

		// Classifier
		MarketRefresh:      getEnvDuration("MARKET_REFRESH", 300*time.Second),
		TaxonomyRefresh:    getEnvDuration("TAXONOMY_REFRESH", time.Hour),
		LeaderboardRefresh: getEnvDuration("LEADERBOARD_REFRESH", 10*time.Minute),
		TopTraderCount:     getEnvInt("TOP_TRADER_COUNT", 25),

		// Routing
		BondFloor:           getEnvFloat("BOND_FLOOR", 5000),
		TrackedIncludeSells: getEnvBool("TRACKED_INCLUDE_SELLS", false),

		// Volatility
		VolatilityInterval: getEnvDuration("VOLATILITY_INTERVAL", 5*time.Minute),
		VolatilityWindow:   getEnvDuration("VOLATILITY_WINDOW", 60*time.Minute),
		VolatilityCooldown: getEnvDuration("VOLATILITY_COOLDOWN", 120*time.Minute),

		// Pipeline
		QueueSize:     getEnvInt("QUEUE_SIZE", 1000),
		WorkerCount:   getEnvInt("WORKER_COUNT", 5),
		ConfigRefresh: getEnvDuration("CONFIG_REFRESH", 10*time.Second),

		// Storage
		StoreDriver:   getEnv("STORE_DRIVER", "sqlite"),
		DBPath:        getEnv("DB_PATH", "./data/tradewatch.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		DedupBackend:  getEnv("DEDUP_BACKEND", "db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		DedupRedisTTL: getEnvDuration("DEDUP_REDIS_TTL", 0),

		// Dispatch
		DispatchTimeout: getEnvDuration("DISPATCH_TIMEOUT", 10*time.Second),
		WebhookURL:      getEnv("WEBHOOK_URL", ""),
		KafkaBrokers:    getEnvList("KAFKA_BROKERS"),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "tradewatch.alerts"),

		// Metrics
		PrometheusPort: getEnvInt("PROMETHEUS_PORT", 9090),

		// UI
		EnableTUI:     getEnvBool("ENABLE_TUI", false),
		UIRefreshRate: getEnvDuration("UI_REFRESH", 500*time.Millisecond),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogFile:  getEnv("LOG_FILE", "./data/tradewatch.log"),
	}
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}
	if !strings.HasPrefix(c.FeedURL, "ws://") && !strings.HasPrefix(c.FeedURL, "wss://") {
		return fmt.Errorf("FEED_URL must be a ws:// or wss:// URL")
	}

	if c.DataTimeout <= c.HealthInterval {
		return fmt.Errorf("DATA_TIMEOUT must be longer than HEALTH_INTERVAL")
	}
	if c.ReconnectMax < c.ReconnectDelay {
		return fmt.Errorf("RECONNECT_MAX must be at least RECONNECT_DELAY")
	}
	if c.FailoverRetries < 1 {
		return fmt.Errorf("FAILOVER_RETRIES must be at least 1")
	}

	if c.APIRatePerSec <= 0 {
		return fmt.Errorf("API_RATE_PER_SEC must be positive")
	}
	if c.PollTradeLimit < 1 {
		return fmt.Errorf("POLL_TRADE_LIMIT must be at least 1")
	}
	if c.TopTraderCount < 1 {
		return fmt.Errorf("TOP_TRADER_COUNT must be at least 1")
	}
	if c.BondFloor < 0 {
		return fmt.Errorf("BOND_FLOOR must not be negative")
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	switch c.StoreDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite, postgres or memory")
	}
	switch c.DedupBackend {
	case "db":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when DEDUP_BACKEND=redis")
		}
	default:
		return fmt.Errorf("DEDUP_BACKEND must be db or redis")
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		return fmt.Errorf("PROMETHEUS_PORT must be between 0 and 65535")
	}

	return nil
}

// MaskedDatabaseURL returns the database URL with most characters hidden for logging.
func (c *Config) MaskedDatabaseURL() string {
	return maskSecret(c.DatabaseURL)
}

// MaskedWebhook returns the webhook URL with most characters hidden for logging.
func (c *Config) MaskedWebhook() string {
	return maskSecret(c.WebhookURL)
}

// MaskedRedisPassword returns the redis password hidden for logging.
func (c *Config) MaskedRedisPassword() string {
	return maskSecret(c.RedisPassword)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves an environment variable as a float64 or returns a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "5m") or bare integers
// as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
