package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // Postgres; when empty the SQLite store is used
	SQLitePath  string
	RedisURL    string

	// Auth
	JWTSecret string
	JWTIssuer string

	// HTTP
	AllowedOrigins []string

	// Presence
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present. An optional
// tradechat.yaml in the working directory or ./config supplies the same keys
// in lower case; the environment wins over the file.
// In production, it panics on missing required variables. A config file
// that exists but cannot be parsed panics in every environment.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	v := viper.New()
	if err := readConfigFile(v, ".", "./config"); err != nil {
		panic(err.Error())
	}
	v.AutomaticEnv()

	return load(v)
}

// readConfigFile reads tradechat.yaml from the first of paths that has one.
// A missing file is not an error.
func readConfigFile(v *viper.Viper, paths ...string) error {
	v.SetConfigName("tradechat")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
	}
	return nil
}

func load(v *viper.Viper) *Config {
	v.SetDefault("port", "8080")
	v.SetDefault("env", "development")
	v.SetDefault("sqlite_path", "./data/tradechat.db")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("jwt_issuer", "")
	v.SetDefault("allowed_origins", "*")
	v.SetDefault("presence_ttl", "45s")
	v.SetDefault("heartbeat_interval", "15s")
	v.SetDefault("auto_block_enabled", false)

	// Bind the upper-case environment names to the lower-case file keys.
	for _, key := range []string{
		"port", "env", "database_url", "sqlite_path", "redis_url",
		"jwt_secret", "jwt_issuer", "allowed_origins", "presence_ttl",
		"heartbeat_interval", "rate_limit_whitelist", "auto_block_enabled",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	cfg := &Config{
		Port:               v.GetString("port"),
		Env:                v.GetString("env"),
		DatabaseURL:        v.GetString("database_url"),
		SQLitePath:         v.GetString("sqlite_path"),
		RedisURL:           v.GetString("redis_url"),
		JWTSecret:          v.GetString("jwt_secret"),
		JWTIssuer:          v.GetString("jwt_issuer"),
		AllowedOrigins:     splitList(v.GetString("allowed_origins")),
		PresenceTTL:        v.GetDuration("presence_ttl"),
		HeartbeatInterval:  v.GetDuration("heartbeat_interval"),
		RateLimitWhitelist: splitList(v.GetString("rate_limit_whitelist")),
		AutoBlockEnabled:   v.GetBool("auto_block_enabled"),
	}

	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 45 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.PresenceTTL {
		cfg.HeartbeatInterval = cfg.PresenceTTL / 3
	}

	// In production, require database, redis and a signing secret
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
		if len(cfg.JWTSecret) < 32 {
			panic("JWT_SECRET must be at least 32 bytes in production")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "development-secret-do-not-use-in-production"
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// UsesPostgres reports whether rooms are persisted in PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
