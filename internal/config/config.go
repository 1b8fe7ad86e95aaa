// Package config provides configuration loading for the script studio.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env and .env.local when present. godotenv.Load does not override variables
// that are already set, so the OS environment always wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the studio.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // Local HTTP bridge port

	// Backend collaborator
	APIURL     string        // Base URL of the script backend
	APIToken   string        // Initial bearer credential; may be set later through the session endpoint
	APITimeout time.Duration // Whole-request timeout for backend calls

	// Cache
	CacheTTL      time.Duration // Freshness window for script list views
	CacheOrdering string        // completion or issue

	// Draft storage; Postgres wins over SQLite, memory when neither is set
	DatabaseDSN string
	SQLitePath  string

	// Invalidation bus
	NATSURL string

	// Preview presigning
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	PresignTTL  time.Duration

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
	Tracing            bool     // Export spans to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv        = "dev"
	defaultPort       = "8085"
	defaultS3Region   = "us-east-1"
	defaultAPITimeout = 15 * time.Second
	defaultCacheTTL   = 5 * time.Minute
	defaultPresignTTL = 15 * time.Minute
)

// Load reads environment variables and produces a Config suitable for wiring the studio.
// It returns an error if a required value is missing or a value cannot be parsed.
func Load() (Config, error) {
	cfg := Config{
		Env:           getEnv("STUDIO_ENV", defaultEnv),
		Port:          getEnv("STUDIO_PORT", defaultPort),
		APIURL:        strings.TrimSpace(os.Getenv("STUDIO_API_URL")),
		APIToken:      strings.TrimSpace(os.Getenv("STUDIO_API_TOKEN")),
		CacheOrdering: getEnv("STUDIO_CACHE_ORDERING", "completion"),
		DatabaseDSN:   os.Getenv("STUDIO_DB_DSN"),
		SQLitePath:    os.Getenv("STUDIO_SQLITE_PATH"),
		NATSURL:       os.Getenv("STUDIO_NATS_URL"),
		S3Endpoint:    os.Getenv("STUDIO_S3_ENDPOINT"),
		S3Region:      getEnv("STUDIO_S3_REGION", defaultS3Region),
		S3Bucket:      os.Getenv("STUDIO_S3_BUCKET"),
		S3AccessKey:   os.Getenv("STUDIO_S3_ACCESS_KEY"),
		S3SecretKey:   os.Getenv("STUDIO_S3_SECRET_KEY"),
		Tracing:       parseBool(os.Getenv("STUDIO_TRACING")),
	}

	var err error
	if cfg.APITimeout, err = getDuration("STUDIO_API_TIMEOUT", defaultAPITimeout); err != nil {
		return cfg, err
	}
	if cfg.CacheTTL, err = getDuration("STUDIO_CACHE_TTL", defaultCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.PresignTTL, err = getDuration("STUDIO_PRESIGN_TTL", defaultPresignTTL); err != nil {
		return cfg, err
	}

	if corsOrigins, exists := os.LookupEnv("STUDIO_CORS_ALLOWED_ORIGINS"); exists {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	switch cfg.CacheOrdering {
	case "completion", "issue":
	default:
		return cfg, fmt.Errorf("STUDIO_CACHE_ORDERING must be completion or issue, got %q", cfg.CacheOrdering)
	}

	if cfg.APIURL == "" {
		return cfg, fmt.Errorf("STUDIO_API_URL is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
