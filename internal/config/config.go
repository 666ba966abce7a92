package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// DefaultStations are the radio stations served when RADIO_STATIONS is unset.
var DefaultStations = []string{"dronezone", "groovesalad", "lush", "spacestation"}

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	InstanceID  string
	JWTSecret   string

	// Presence
	IdleAfter               time.Duration
	IdleDisconnectAfter     time.Duration
	HeartbeatTTL            time.Duration
	HeartbeatInterval       time.Duration
	SubscriptionCap         int
	ContentSubscriptionCap  int
	OnlineFeedSnapshotLimit int

	// Radio and chat
	Stations         []string
	ChatBufferCap    int
	ChatMaxBody      int
	ChatBucketSize   int
	ChatRefillEvery  time.Duration
	ChatMinGap       time.Duration
	ChatIdleStateTTL time.Duration

	// Transport
	AllowedOrigins []string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		InstanceID:       getEnv("INSTANCE_ID", uuid.NewString()),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",

		IdleAfter:               time.Duration(getInt("PRESENCE_IDLE_AFTER_MINUTES", 3)) * time.Minute,
		IdleDisconnectAfter:     time.Duration(getInt("PRESENCE_IDLE_DISCONNECT_MINUTES", 30)) * time.Minute,
		HeartbeatTTL:            time.Duration(getInt("PRESENCE_HEARTBEAT_TTL_SECONDS", 90)) * time.Second,
		HeartbeatInterval:       time.Duration(getInt("PRESENCE_HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		SubscriptionCap:         getInt("PRESENCE_SUBSCRIPTION_CAP", 100),
		ContentSubscriptionCap:  getInt("CONTENT_SUBSCRIPTION_CAP", 60),
		OnlineFeedSnapshotLimit: getInt("ONLINE_FEED_SNAPSHOT_LIMIT", 200),

		Stations:         getList("RADIO_STATIONS", DefaultStations),
		ChatBufferCap:    getInt("CHAT_BUFFER_CAP", 220),
		ChatMaxBody:      getInt("CHAT_MAX_BODY", 500),
		ChatBucketSize:   getInt("CHAT_BUCKET_CAPACITY", 8),
		ChatRefillEvery:  time.Duration(getInt("CHAT_REFILL_MS", 2500)) * time.Millisecond,
		ChatMinGap:       time.Duration(getInt("CHAT_MIN_GAP_MS", 450)) * time.Millisecond,
		ChatIdleStateTTL: time.Duration(getInt("CHAT_IDLE_STATE_TTL_MINUTES", 30)) * time.Minute,

		AllowedOrigins:     getList("WS_ALLOWED_ORIGINS", nil),
		RateLimitWhitelist: getList("RATE_LIMIT_WHITELIST", nil),
	}

	// In production, require redis and a signing secret
	if cfg.Env == "production" {
		if os.Getenv("REDIS_URL") == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt returns a positive integer env var, falling back on absent or invalid values.
func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

// getList parses a comma-separated env var.
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
