// Package config provides centralized configuration loaded from environment
// variables. Shared by cmd/notifyd and cmd/notifyctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Names shared with internal/db/schema.sql and the host application
// --------------------------------------------------------------------------

const (
	NotifyChannel       = "notification_enqueued"
	DeadlineSourceTable = "deadline_entities"
)

// --------------------------------------------------------------------------
// Config struct — populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool
	LogFormat   string // text, json
	LogLevel    string

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Redis (watermark persistence). Empty keeps watermarks in memory.
	RedisURL string

	// Marketplace chat (read side)
	MarketplaceAPIURL         string
	MarketplaceAPIToken       string
	MarketplaceAccountID      string
	MarketplaceRequestsPerMin int

	// Delivery channel
	TelegramBotToken string
	TelegramAPIURL   string

	// Preferences
	PreferencesFile    string // YAML file; empty reads from Postgres
	PreferencesTTL     time.Duration
	DefaultTimezone    string
	DefaultReminderGap time.Duration

	// Chat poller
	PollInterval          time.Duration
	PollConcurrency       int
	PollColdStartLookback time.Duration
	WatermarkCapacity     int
	UnreadReminderAfter   time.Duration
	UrgentKeywords        []string
	ChatLinkTemplate      string

	// Deadline scanner
	DeadlineScanSchedule string
	DeadlineWindow       time.Duration
	AppBaseURL           string

	// Dispatcher
	DispatchInterval  time.Duration
	DispatchBatchSize int
	ReadTimeout       time.Duration
	SendTimeout       time.Duration
	RetryBackoff      time.Duration
	MaxRetries        int
	MaxMessageLength  int

	// Maintenance
	RetentionDays   int
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", "")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	cfg := &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),
		LogFormat:   envOr("LOG_FORMAT", "text"),
		LogLevel:    envOr("LOG_LEVEL", "info"),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		RedisURL: envOr("REDIS_URL", ""),

		MarketplaceAPIURL:         envOr("MARKETPLACE_API_URL", ""),
		MarketplaceAPIToken:       envOr("MARKETPLACE_API_TOKEN", ""),
		MarketplaceAccountID:      envOr("MARKETPLACE_ACCOUNT_ID", ""),
		MarketplaceRequestsPerMin: envInt("MARKETPLACE_REQUESTS_PER_MINUTE", 120),

		TelegramBotToken: envOr("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL:   envOr("TELEGRAM_API_URL", "https://api.telegram.org"),

		PreferencesFile:    envOr("PREFERENCES_FILE", ""),
		PreferencesTTL:     envDuration("PREFERENCES_CACHE_TTL", time.Minute),
		DefaultTimezone:    envOr("DEFAULT_TIMEZONE", "UTC"),
		DefaultReminderGap: envDuration("DEFAULT_REMINDER_INTERVAL", time.Hour),

		PollInterval:          envDuration("POLL_INTERVAL", 30*time.Second),
		PollConcurrency:       envInt("POLL_CONCURRENCY", 4),
		PollColdStartLookback: envDuration("POLL_COLD_START_LOOKBACK", 0),
		WatermarkCapacity:     envInt("WATERMARK_CAPACITY", 500),
		UnreadReminderAfter:   envDuration("UNREAD_REMINDER_AFTER", 30*time.Minute),
		UrgentKeywords:        envList("URGENT_KEYWORDS", []string{"urgent", "asap", "emergency"}),
		ChatLinkTemplate:      envOr("CHAT_LINK_TEMPLATE", ""),

		DeadlineScanSchedule: envOr("DEADLINE_SCAN_SCHEDULE", "@every 10m"),
		DeadlineWindow:       envDuration("DEADLINE_WINDOW", 24*time.Hour),
		AppBaseURL:           envOr("APP_BASE_URL", ""),

		DispatchInterval:  envDuration("DISPATCH_INTERVAL", 15*time.Second),
		DispatchBatchSize: envInt("DISPATCH_BATCH_SIZE", 50),
		ReadTimeout:       envDuration("READ_TIMEOUT", 10*time.Second),
		SendTimeout:       envDuration("SEND_TIMEOUT", 15*time.Second),
		RetryBackoff:      envDuration("RETRY_BACKOFF", 5*time.Minute),
		MaxRetries:        envInt("MAX_RETRIES", 3),
		MaxMessageLength:  envInt("MAX_MESSAGE_LENGTH", 4096),

		RetentionDays:   envInt("RETENTION_DAYS", 30),
		CleanupInterval: envDuration("CLEANUP_INTERVAL", 30*time.Minute),
	}

	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("DEFAULT_TIMEZONE %q: %w", cfg.DefaultTimezone, err)
	}
	if cfg.DispatchBatchSize < 1 {
		return nil, fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", cfg.DispatchBatchSize)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

// Location returns the default timezone for recipients without one.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration syntax ("90s", "5m") or a bare number of
// seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
