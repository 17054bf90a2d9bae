// Package config loads the walletsync configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for walletsync.
type Config struct {
	// Sync server WebSocket URL. Empty means sync-off mode: the store
	// keeps recording rows locally and nothing touches the network.
	SyncURL string `env:"SYNC_URL"`

	// User identity and credential passphrase. Required when sync is
	// enabled; the passphrase never leaves the process.
	UserID               string `env:"USER_ID"`
	CredentialPassphrase string `env:"CREDENTIAL_PASSPHRASE"`

	// Optional bearer token presented on connect.
	SyncToken string `env:"SYNC_TOKEN"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Path of the local bbolt store. Defaults to ~/.walletsync/sync.db.
	StorePath string `env:"STORE_PATH"`

	// Timers for the interval-sync pass and the inbound debounce buffer.
	SyncInterval     time.Duration `env:"SYNC_INTERVAL" envDefault:"5s"`
	DebounceInterval time.Duration `env:"DEBOUNCE_INTERVAL" envDefault:"1500ms"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default log level. One of
	// debug, info, warn, error; empty keeps the default.
	LogLevel string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the credential passphrase to other users.
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

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "walletsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StorePath == "" {
		path, err := DefaultStorePath()
		if err != nil {
			return nil, err
		}

		cfg.StorePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.HasSyncServer() {
		return nil
	}

	if c.UserID == "" {
		return fmt.Errorf("USER_ID is required when SYNC_URL is set")
	}

	if c.CredentialPassphrase == "" {
		return fmt.Errorf("CREDENTIAL_PASSPHRASE is required when SYNC_URL is set")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	if c.DebounceInterval <= 0 {
		return fmt.Errorf("DEBOUNCE_INTERVAL must be positive")
	}

	return nil
}

// HasSyncServer reports whether a sync server is configured. Running
// without one is a valid permanent mode, not an error.
func (c *Config) HasSyncServer() bool {
	return c.SyncURL != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultStorePath returns the default store location:
// ~/.walletsync/sync.db
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".walletsync", "sync.db"), nil
}
