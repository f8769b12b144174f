package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreBolt   = "bolt"
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Config holds all environment-based configuration for authsession.
type Config struct {
	// Root of the authentication API, e.g. https://api.example.com.
	APIURL string `env:"AUTHSESSION_API_URL"`

	// Where credentials are persisted between runs. Memory is only
	// useful for tests and one-shot commands.
	Store string `env:"AUTHSESSION_STORE" envDefault:"bolt"`

	// Store location. Defaults to ~/.authsession/session.db for bolt and
	// ~/.authsession/session.json for file.
	StorePath string `env:"AUTHSESSION_STORE_PATH"`

	// When set, stored values are sealed with a key derived from it.
	StorePassphrase string `env:"AUTHSESSION_STORE_PASSPHRASE"`

	HTTPTimeout    time.Duration `env:"AUTHSESSION_HTTP_TIMEOUT" envDefault:"30s"`
	RefreshTimeout time.Duration `env:"AUTHSESSION_REFRESH_TIMEOUT" envDefault:"15s"`

	// Keep the existing refresh token when a refresh response omits a
	// new one. Disable for backends that issue single-use refresh tokens.
	KeepRefreshToken bool `env:"AUTHSESSION_KEEP_REFRESH_TOKEN" envDefault:"true"`

	// Credentials for the login command.
	Email    string `env:"AUTHSESSION_EMAIL"`
	Password string `env:"AUTHSESSION_PASSWORD"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StorePath != "" {
		absPath, err := filepath.Abs(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("resolving store path to absolute path: %w", err)
		}

		cfg.StorePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("AUTHSESSION_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("AUTHSESSION_API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}

	switch c.Store {
	case StoreBolt, StoreFile, StoreMemory:
	default:
		return fmt.Errorf("AUTHSESSION_STORE must be one of %s, %s, %s; got %q", StoreBolt, StoreFile, StoreMemory, c.Store)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("AUTHSESSION_HTTP_TIMEOUT must be positive")
	}

	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("AUTHSESSION_REFRESH_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
