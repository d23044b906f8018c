package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Batch     BatchConfig     `mapstructure:"batch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig represents candidate pool cache configuration. An empty RedisURL disables
// the shared tier.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxItems    int           `mapstructure:"max_items"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MatchingConfig tunes the scoring engine and presentation.
type MatchingConfig struct {
	ICFToleranceDays    int `mapstructure:"icf_tolerance_days"`
	AutoAcceptThreshold int `mapstructure:"auto_accept_threshold"`
	MaxCandidates       int `mapstructure:"max_candidates"`
}

// BatchConfig controls the study-keyed worker pool.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// RateLimitConfig controls per-client request throttling on the HTTP API.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ArchiveConfig selects where completed sessions are archived.
type ArchiveConfig struct {
	Driver     string `mapstructure:"driver"` // "sqlite", "postgres", "none"
	SQLitePath string `mapstructure:"sqlite_path"`
}
