package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL archive store.
// It expects the reconciliation_sessions table to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL archive store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Save stores or updates the archive for a session.
func (s *PostgresStore) Save(ctx context.Context, record *ArchiveRecord) error {
	state, err := encodeState(record.State)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO reconciliation_sessions (
			session_id, study_id, file_name, step,
			total_records, matched, no_match, skipped, average_confidence,
			state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			study_id = EXCLUDED.study_id,
			file_name = EXCLUDED.file_name,
			step = EXCLUDED.step,
			total_records = EXCLUDED.total_records,
			matched = EXCLUDED.matched,
			no_match = EXCLUDED.no_match,
			skipped = EXCLUDED.skipped,
			average_confidence = EXCLUDED.average_confidence,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`

	err = s.db.QueryRowContext(ctx, query,
		record.SessionID,
		record.StudyID,
		record.FileName,
		string(record.Step),
		record.Summary.Total,
		record.Summary.Matched,
		record.Summary.NoMatch,
		record.Summary.Skipped,
		record.Summary.AverageConfidence,
		state,
		createdAt,
		now,
	).Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save session archive: %w", err)
	}

	record.UpdatedAt = now
	return nil
}

// Get retrieves the archive for a session.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*ArchiveRecord, error) {
	query := `
		SELECT ` + archiveColumns + `
		FROM reconciliation_sessions
		WHERE session_id = $1
		LIMIT 1
	`

	record, err := scanArchive(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session archive: %w", err)
	}
	return record, nil
}

// List returns archives newest first.
func (s *PostgresStore) List(ctx context.Context, studyID string, limit, offset int) ([]*ArchiveRecord, error) {
	query := `
		SELECT ` + archiveColumns + `
		FROM reconciliation_sessions
		WHERE $1 = '' OR study_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, studyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list session archives: %w", err)
	}
	defer rows.Close()

	var result []*ArchiveRecord
	for rows.Next() {
		record, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, record)
	}

	return result, rows.Err()
}

// Count returns the total number of archived sessions.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reconciliation_sessions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count session archives: %w", err)
	}
	return count, nil
}

// Delete removes the archive for a session.
func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM reconciliation_sessions WHERE session_id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session archive: %w", err)
	}
	return nil
}

// ExportJSON exports every archive to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, "", maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list session archives: %w", err)
	}
	return writeExport(writer, all)
}

// ImportJSON imports archives from a JSON reader. Sessions already stored are skipped.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importArchives(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
