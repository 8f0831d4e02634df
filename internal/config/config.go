package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "your-secret-key"

type Config struct {
	ServerAddress string
	Env           string
	DatabaseURL   string
	JWTSecret     string
	TokenTTL      time.Duration

	// RedisURL enables the shared profile cache. Empty means in-process cache.
	RedisURL        string
	ProfileCacheTTL time.Duration

	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	SendBuffer       int
	InboundRate      float64
	InboundBurst     int
}

// Load reads configuration from the environment, loading a .env file first
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	dbPath := filepath.Join(cwd, "data", "carechat.db")

	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Env:           getEnv("ENV", "development"),
		DatabaseURL:   getEnv("DATABASE_URL", "sqlite://"+dbPath),
		JWTSecret:     getEnv("JWT_SECRET", defaultJWTSecret),
		RedisURL:      os.Getenv("REDIS_URL"),
	}

	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ProfileCacheTTL, err = getDuration("PROFILE_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout, err = getDuration("HANDSHAKE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SendBuffer, err = getInt("SEND_BUFFER", 256); err != nil {
		return nil, err
	}
	if cfg.InboundBurst, err = getInt("INBOUND_BURST", 40); err != nil {
		return nil, err
	}
	rate, err := strconv.ParseFloat(getEnv("INBOUND_RATE", "20"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid INBOUND_RATE: %w", err)
	}
	cfg.InboundRate = rate

	for _, origin := range strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	if !cfg.IsDevelopment() && cfg.JWTSecret == defaultJWTSecret {
		return nil, fmt.Errorf("JWT_SECRET must be set outside development")
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if !filepath.IsAbs(dbPath) {
		if cwd, err := os.Getwd(); err == nil {
			dbPath = filepath.Join(cwd, dbPath)
		}
	}

	return dbPath
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

// OriginAllowed reports whether a websocket Origin header may connect.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
