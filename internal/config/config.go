package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	return NewManagerFromFile("")
}

// NewManagerFromFile loads configuration from an explicit file. An empty path searches the
// default locations.
func NewManagerFromFile(path string) (*Manager, error) {
	m := &Manager{configFile: path}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/irt-reconciliation/")
	}

	v.SetEnvPrefix("IRT_RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; defaults and environment variables still apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "irt_reconciliation")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "")

	// Cache defaults
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.max_items", 100)
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Matching defaults
	v.SetDefault("matching.icf_tolerance_days", domain.DefaultICFWindow)
	v.SetDefault("matching.auto_accept_threshold", domain.HighBandFloor)
	v.SetDefault("matching.max_candidates", domain.DefaultCandidates)

	v.SetDefault("batch.concurrency", 4)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("archive.driver", "postgres")
	v.SetDefault("archive.sqlite_path", "./data/archive.db")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetMatchingConfig returns scoring configuration
func (m *Manager) GetMatchingConfig() *domain.MatchingConfig {
	return &m.config.Matching
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Archive.Driver {
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	case "sqlite":
		if config.Archive.SQLitePath == "" {
			return fmt.Errorf("archive sqlite_path is required for the sqlite driver")
		}
	case "none":
	default:
		return fmt.Errorf("invalid archive driver: %s", config.Archive.Driver)
	}

	if config.Cache.RedisURL != "" {
		if _, err := url.Parse(config.Cache.RedisURL); err != nil {
			return fmt.Errorf("invalid Redis URL: %w", err)
		}
	}

	if config.Matching.ICFToleranceDays < 0 {
		return fmt.Errorf("icf_tolerance_days must not be negative: %d", config.Matching.ICFToleranceDays)
	}
	if config.Matching.AutoAcceptThreshold < 0 || config.Matching.AutoAcceptThreshold > domain.MaxConfidence {
		return fmt.Errorf("auto_accept_threshold must be between 0 and %d: %d", domain.MaxConfidence, config.Matching.AutoAcceptThreshold)
	}
	if config.Matching.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive: %d", config.Matching.MaxCandidates)
	}
	if config.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch concurrency must be positive: %d", config.Batch.Concurrency)
	}
	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests_per_second and burst")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database configuration as a postgres:// URL, the form the
// migration runner expects.
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.Username, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     "/" + db.Database,
		RawQuery: "sslmode=" + db.SSLMode,
	}
	return u.String()
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.v.GetString("environment")) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.v.GetString("environment"))
	return env == "development" || env == "dev" || env == ""
}
