package domain

import (
	"context"
)

// CandidateSource looks up the referral pool for one study. Implementations must return a
// snapshot; callers may hold on to the slice while the store changes underneath.
type CandidateSource interface {
	ListCandidates(ctx context.Context, studyID string) ([]CandidateReferral, error)
}

// RecordSource produces a fully materialized list of IRT records for one import.
type RecordSource interface {
	LoadRecords(ctx context.Context) (records []ImportedRecord, fileName string, err error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetMatchingConfig() *MatchingConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
