package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TimestampTolerance bounds how far a signed request's timestamp may drift
// from server time. Fixed; not a tunable.
const TimestampTolerance = 5 * time.Minute

type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	DevicesFile     string
	AssetsDir       string
	LegacyQueueFile string

	MaterializeEnabled bool

	RateLimitWindow time.Duration
	RateLimitMax    int
	// Bulk import gets a tighter ceiling than the per-request routes.
	RateLimitImportMax int
}

func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:               envOrDefault("PUBSYNC_PORT", "8080"),
		LogLevel:           envOrDefault("PUBSYNC_LOG_LEVEL", "info"),
		DatabaseURL:        envOrDefault("PUBSYNC_DATABASE_URL", "file:pubsync.db?_pragma=foreign_keys(1)"),
		DevicesFile:        envOrDefault("PUBSYNC_DEVICES_FILE", "devices.json"),
		AssetsDir:          envOrDefault("PUBSYNC_ASSETS_DIR", "assets/sync"),
		LegacyQueueFile:    envOrDefault("PUBSYNC_LEGACY_FILE", "sync-queue.json"),
		MaterializeEnabled: boolOrDefault("PUBSYNC_MATERIALIZE", true),
		RateLimitWindow:    time.Duration(IntOrDefault(os.Getenv("PUBSYNC_RATE_WINDOW_SECONDS"), 60)) * time.Second,
		RateLimitMax:       IntOrDefault(os.Getenv("PUBSYNC_RATE_LIMIT"), 60),
		RateLimitImportMax: IntOrDefault(os.Getenv("PUBSYNC_RATE_LIMIT_IMPORT"), 10),
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	return cfg
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func boolOrDefault(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func IntOrDefault(v string, fallback int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && i > 0 {
		return i
	}
	return fallback
}
