// Package config provides configuration management for the reconciliation services.
// This file contains the lightweight configuration for standalone operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir       string // Base directory for data files
	ReferralsFile string // CSV file holding the referral pools; defaults to DataDir/referrals.csv

	// Cache settings
	CacheMaxItems int           // Maximum studies in memory cache
	CacheTTL      time.Duration // Candidate pool TTL

	// Scoring
	ICFToleranceDays int

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".irt-reconciliation")

	return &LiteConfig{
		DataDir:          dataDir,
		CacheMaxItems:    100,
		CacheTTL:         5 * time.Minute,
		ICFToleranceDays: domain.DefaultICFWindow,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("IRT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	cfg.ReferralsFile = os.Getenv("IRT_REFERRALS_FILE")

	if v := os.Getenv("IRT_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("IRT_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	if v := os.Getenv("IRT_ICF_TOLERANCE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ICFToleranceDays = n
		}
	}

	if v := os.Getenv("IRT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IRT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// ReferralsPath returns the CSV file the candidate pools are read from.
func (c *LiteConfig) ReferralsPath() string {
	if c.ReferralsFile != "" {
		return c.ReferralsFile
	}
	return filepath.Join(c.DataDir, "referrals.csv")
}

// ArchiveDBPath returns the path to the session archive SQLite database.
func (c *LiteConfig) ArchiveDBPath() string {
	return filepath.Join(c.DataDir, "archive.db")
}

// ExportDir returns the directory decision ledgers are written to.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}
