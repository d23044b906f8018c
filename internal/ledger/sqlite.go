package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite archive store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets readers proceed while a session is being archived
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

const archiveColumns = `id, session_id, study_id, file_name, step,
	total_records, matched, no_match, skipped, average_confidence,
	state, created_at, updated_at`

// scanArchive scans a row into an ArchiveRecord.
func scanArchive(s scanner) (*ArchiveRecord, error) {
	record := &ArchiveRecord{}
	var step, state string

	err := s.Scan(
		&record.ID, &record.SessionID, &record.StudyID, &record.FileName, &step,
		&record.Summary.Total, &record.Summary.Matched, &record.Summary.NoMatch,
		&record.Summary.Skipped, &record.Summary.AverageConfidence,
		&state, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Step = domain.Step(step)
	if err := decodeState(state, &record.State); err != nil {
		return nil, err
	}
	return record, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		study_id TEXT NOT NULL DEFAULT '',
		file_name TEXT DEFAULT '',
		step TEXT NOT NULL,
		total_records INTEGER NOT NULL DEFAULT 0,
		matched INTEGER NOT NULL DEFAULT 0,
		no_match INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		average_confidence INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_session_archive_study ON session_archive(study_id);
	CREATE INDEX IF NOT EXISTS idx_session_archive_created_at ON session_archive(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save stores or updates the archive for a session.
func (s *SQLiteStore) Save(ctx context.Context, record *ArchiveRecord) error {
	state, err := encodeState(record.State)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var existingID int64
	var createdAt time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM session_archive WHERE session_id = ?",
		record.SessionID,
	).Scan(&existingID, &createdAt)

	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE session_archive SET
				study_id = ?,
				file_name = ?,
				step = ?,
				total_records = ?,
				matched = ?,
				no_match = ?,
				skipped = ?,
				average_confidence = ?,
				state = ?,
				updated_at = ?
			WHERE id = ?
		`,
			record.StudyID,
			record.FileName,
			string(record.Step),
			record.Summary.Total,
			record.Summary.Matched,
			record.Summary.NoMatch,
			record.Summary.Skipped,
			record.Summary.AverageConfidence,
			state,
			now,
			existingID,
		)
		if err != nil {
			return fmt.Errorf("failed to update: %w", err)
		}
		record.ID = existingID
		record.CreatedAt = createdAt
		record.UpdatedAt = now
		return nil
	}

	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO session_archive (
			session_id, study_id, file_name, step,
			total_records, matched, no_match, skipped, average_confidence,
			state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
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
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	record.ID = id

	return nil
}

// Get retrieves the archive for a session.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*ArchiveRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+archiveColumns+`
		FROM session_archive
		WHERE session_id = ?
		LIMIT 1
	`, sessionID)

	record, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return record, nil
}

// List returns archives newest first.
func (s *SQLiteStore) List(ctx context.Context, studyID string, limit, offset int) ([]*ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+archiveColumns+`
		FROM session_archive
		WHERE ? = '' OR study_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, studyID, studyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_archive").Scan(&count)
	return count, err
}

// Delete removes the archive for a session.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM session_archive WHERE session_id = ?", sessionID)
	return err
}

// ExportJSON exports every archive to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, "", maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	return writeExport(writer, all)
}

// ImportJSON imports archives from a JSON reader. Sessions already stored are skipped.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importArchives(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
