// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/udhos/checkout/clientcredentials"
	"github.com/udhos/checkout/store/sqlstore"
)

// Environment variables holding the oauth2 client credentials.
// They are read on every token fetch, not only at startup.
const (
	EnvTokenURL     = "OAUTH_TOKEN_URL"
	EnvClientID     = "OAUTH_CLIENT_ID"
	EnvClientSecret = "OAUTH_CLIENT_SECRET"
)

// Config holds the service configuration.
type Config struct {
	Port      string
	StaticDir string
	LogLevel  string
	LogFormat string

	DB sqlstore.Config

	// TokenCache is a cache spec as accepted by cache.New.
	TokenCache          string
	SoftExpireInSeconds int
	OAuthDebug          bool
}

// LoadDotEnv loads variables from .env files into the environment.
// Variables already set are not overridden.
func LoadDotEnv(filenames ...string) error {
	return godotenv.Load(filenames...)
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Port:       envString("PORT", "3000"),
		StaticDir:  envString("STATIC_DIR", "public"),
		LogLevel:   envString("LOG_LEVEL", "info"),
		LogFormat:  envString("LOG_FORMAT", "text"),
		TokenCache: envString("OAUTH_TOKEN_CACHE", ""),
		DB: sqlstore.Config{
			Driver:   strings.ToLower(envString("DB_DRIVER", sqlstore.DriverMySQL)),
			DSN:      envString("DB_DSN", ""),
			Host:     envString("DB_HOST", ""),
			Port:     envString("DB_PORT", ""),
			User:     envString("DB_USER", ""),
			Password: envString("DB_PASSWORD", ""),
			Name:     envString("DB_NAME", ""),
			Path:     envString("DB_PATH", ""),
		},
	}

	var err error

	if cfg.DB.MaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 0); err != nil {
		return cfg, err
	}
	if cfg.SoftExpireInSeconds, err = envInt("OAUTH_SOFT_EXPIRE_SECONDS", 0); err != nil {
		return cfg, err
	}
	if cfg.OAuthDebug, err = envBool("OAUTH_DEBUG", false); err != nil {
		return cfg, err
	}

	switch cfg.DB.Driver {
	case sqlstore.DriverMySQL, sqlstore.DriverPostgres, sqlstore.DriverSQLite:
	default:
		return cfg, fmt.Errorf("DB_DRIVER: unsupported driver %q", cfg.DB.Driver)
	}

	return cfg, nil
}

// DBNameOrDefault is the database name reported by the health check.
func (c Config) DBNameOrDefault() string {
	if c.DB.Name == "" {
		return "not set"
	}
	return c.DB.Name
}

// OAuthCredentials reads the oauth2 client credentials from the environment.
func OAuthCredentials() clientcredentials.Credentials {
	return clientcredentials.Credentials{
		TokenURL:     strings.TrimSpace(os.Getenv(EnvTokenURL)),
		ClientID:     strings.TrimSpace(os.Getenv(EnvClientID)),
		ClientSecret: os.Getenv(EnvClientSecret),
	}
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", name, err)
	}
	return i, nil
}

func envBool(name string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", name, err)
	}
	return b, nil
}
