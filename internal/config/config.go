// Package config loads application configuration from CARAVEL_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/caravel-dev/caravel/internal/auth"
	"github.com/caravel-dev/caravel/internal/gitgate"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Store    StoreConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Server   ServerConfig
	Git      GitConfig
	Sessions SessionConfig
	Slack    SlackConfig
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend    string // "sqlite" or "postgres"
	SQLitePath string

	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis pub/sub settings. Fan-out is disabled when Addr
// is empty.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string //nolint:gosec // G117: JWT signing secret config
	TokenTTL  time.Duration
	// APIKeyRoles maps hex SHA-256 digests of raw API keys to roles,
	// configured as "hash=role" pairs.
	APIKeyRoles map[string]string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	RateLimitRPS float64
	RateBurst    int
}

// GitConfig holds version control gate defaults.
type GitConfig struct {
	DefaultStrategy gitgate.Strategy
	WorkingDir      string
}

// SessionConfig holds session runtime settings.
type SessionConfig struct {
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// SlackConfig holds deployment notification settings. Notifications are
// disabled when BotToken is empty.
type SlackConfig struct {
	BotToken string
	Channel  string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("CARAVEL_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("CARAVEL_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("CARAVEL_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	authEnabled, err := getEnvBool("CARAVEL_AUTH_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tokenTTL, err := getEnvDuration("CARAVEL_AUTH_TOKEN_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("CARAVEL_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("CARAVEL_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitRPS, err := getEnvFloat("CARAVEL_SERVER_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateBurst, err := getEnvInt("CARAVEL_SERVER_RATE_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cleanupInterval, err := getEnvDuration("CARAVEL_SESSION_CLEANUP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxAge, err := getEnvDuration("CARAVEL_SESSION_MAX_AGE", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	apiKeyRoles, err := parseAPIKeyRoles(os.Getenv("CARAVEL_AUTH_API_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Store: StoreConfig{
			Backend:    getEnv("CARAVEL_STORE_BACKEND", StoreSQLite),
			SQLitePath: getEnv("CARAVEL_SQLITE_PATH", "caravel.db"),
			Host:       getEnv("CARAVEL_DB_HOST", "localhost"),
			Port:       dbPort,
			User:       getEnv("CARAVEL_DB_USER", "caravel"),
			Password:   getEnv("CARAVEL_DB_PASSWORD", ""),
			DBName:     getEnv("CARAVEL_DB_NAME", "caravel_dev"),
			SSLMode:    getEnv("CARAVEL_DB_SSLMODE", "disable"),
			MaxConns:   dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("CARAVEL_REDIS_ADDR", ""),
			Password: getEnv("CARAVEL_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			Enabled:     authEnabled,
			JWTSecret:   getEnv("CARAVEL_AUTH_JWT_SECRET", ""),
			TokenTTL:    tokenTTL,
			APIKeyRoles: apiKeyRoles,
		},
		Server: ServerConfig{
			Addr:         getEnv("CARAVEL_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("CARAVEL_CORS_ORIGINS", []string{"http://localhost:5173"}),
			RateLimitRPS: rateLimitRPS,
			RateBurst:    rateBurst,
		},
		Git: GitConfig{
			DefaultStrategy: gitgate.Strategy(getEnv("CARAVEL_GIT_STRATEGY", string(gitgate.StrategyStrict))),
			WorkingDir:      getEnv("CARAVEL_GIT_WORKING_DIR", "."),
		},
		Sessions: SessionConfig{
			CleanupInterval: cleanupInterval,
			MaxAge:          maxAge,
		},
		Slack: SlackConfig{
			BotToken: getEnv("CARAVEL_SLACK_BOT_TOKEN", ""),
			Channel:  getEnv("CARAVEL_SLACK_CHANNEL", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Store.Backend != StoreSQLite && c.Store.Backend != StorePostgres {
		return fmt.Errorf("CARAVEL_STORE_BACKEND must be %q or %q, got %q", StoreSQLite, StorePostgres, c.Store.Backend)
	}
	if c.Store.Backend == StoreSQLite && c.Store.SQLitePath == "" {
		return errors.New("CARAVEL_SQLITE_PATH is required for the sqlite backend")
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return errors.New("CARAVEL_AUTH_JWT_SECRET is required when auth is enabled")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return errors.New("CARAVEL_AUTH_JWT_SECRET must be at least 32 characters")
		}
	} else {
		log.Warn().Msg("authentication is disabled; all callers get admin access")
	}

	for _, role := range c.Auth.APIKeyRoles {
		switch role {
		case auth.RoleViewer, auth.RoleOperator, auth.RoleAdmin:
		default:
			return fmt.Errorf("CARAVEL_AUTH_API_KEYS: unknown role %q", role)
		}
	}

	if !c.Git.DefaultStrategy.Valid() {
		return fmt.Errorf("CARAVEL_GIT_STRATEGY: unknown strategy %q", c.Git.DefaultStrategy)
	}

	// Bounds checks.
	if c.Store.Port < 1 || c.Store.Port > 65535 {
		return fmt.Errorf("CARAVEL_DB_PORT must be 1-65535, got %d", c.Store.Port)
	}
	if c.Store.MaxConns < 1 {
		return fmt.Errorf("CARAVEL_DB_MAX_CONNS must be >= 1, got %d", c.Store.MaxConns)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("CARAVEL_AUTH_TOKEN_TTL must be positive, got %s", c.Auth.TokenTTL)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("CARAVEL_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("CARAVEL_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("CARAVEL_SERVER_RATE_LIMIT_RPS must be positive, got %v", c.Server.RateLimitRPS)
	}
	if c.Server.RateBurst < 1 {
		return fmt.Errorf("CARAVEL_SERVER_RATE_BURST must be >= 1, got %d", c.Server.RateBurst)
	}
	if c.Sessions.CleanupInterval <= 0 {
		return fmt.Errorf("CARAVEL_SESSION_CLEANUP_INTERVAL must be positive, got %s", c.Sessions.CleanupInterval)
	}
	if c.Sessions.MaxAge <= 0 {
		return fmt.Errorf("CARAVEL_SESSION_MAX_AGE must be positive, got %s", c.Sessions.MaxAge)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// parseAPIKeyRoles parses "hash=role" pairs separated by commas.
func parseAPIKeyRoles(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}

	roles := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		hash, role, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed API key entry %q, want hash=role", pair)
		}
		roles[strings.ToLower(strings.TrimSpace(hash))] = strings.TrimSpace(role)
	}
	return roles, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
