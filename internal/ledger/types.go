package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// ArchiveRecord is a reconciliation session kept after the operator finishes with it.
type ArchiveRecord struct {
	ID        int64                      `json:"id,omitempty"`
	SessionID string                     `json:"session_id"`
	StudyID   string                     `json:"study_id"`
	FileName  string                     `json:"file_name,omitempty"`
	Step      domain.Step                `json:"step"`
	Summary   Summary                    `json:"summary"`
	State     domain.ReconciliationState `json:"state"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewArchiveRecord captures a session snapshot together with its summary.
func NewArchiveRecord(sessionID string, state domain.ReconciliationState) *ArchiveRecord {
	return &ArchiveRecord{
		SessionID: sessionID,
		StudyID:   state.SelectedStudyID,
		FileName:  state.FileName,
		Step:      state.Step,
		Summary:   SummarizeState(state),
		State:     state,
	}
}

// Store defines the interface for session archive operations.
type Store interface {
	// Save stores or updates the archive for a session.
	// A session archived twice keeps its original creation time.
	Save(ctx context.Context, record *ArchiveRecord) error

	// Get retrieves the archive for a session. Returns nil, nil when none exists.
	Get(ctx context.Context, sessionID string) (*ArchiveRecord, error)

	// List returns archives newest first. An empty studyID lists every study.
	List(ctx context.Context, studyID string, limit, offset int) ([]*ArchiveRecord, error)

	// Count returns the total number of archived sessions.
	Count(ctx context.Context) (int64, error)

	// Delete removes the archive for a session.
	Delete(ctx context.Context, sessionID string) error

	// ExportJSON writes every archive to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON loads archives produced by ExportJSON.
	// Returns the number of imported and skipped entries.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// ArchiveExport represents the JSON export format.
type ArchiveExport struct {
	Version    string           `json:"version"`
	ExportedAt time.Time        `json:"exported_at"`
	Count      int              `json:"count"`
	Sessions   []*ArchiveRecord `json:"sessions"`
}

// exportVersion is written into ArchiveExport.Version.
const exportVersion = "1.0"

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

func writeExport(writer io.Writer, records []*ArchiveRecord) error {
	if records == nil {
		records = []*ArchiveRecord{}
	}
	export := &ArchiveExport{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(records),
		Sessions:   records,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func readExport(reader io.Reader) (*ArchiveExport, error) {
	var export ArchiveExport
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return &export, nil
}

// importArchives saves every archive whose session is not stored yet.
func importArchives(ctx context.Context, store Store, reader io.Reader) (imported int, skipped int, err error) {
	export, err := readExport(reader)
	if err != nil {
		return 0, 0, err
	}

	for _, record := range export.Sessions {
		if record == nil || record.SessionID == "" {
			skipped++
			continue
		}

		existing, err := store.Get(ctx, record.SessionID)
		if err != nil {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}
		if existing != nil {
			skipped++
			continue
		}

		if err := store.Save(ctx, record); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}

	return imported, skipped, nil
}

func encodeState(state domain.ReconciliationState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode session state: %w", err)
	}
	return string(data), nil
}

func decodeState(data string, state *domain.ReconciliationState) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), state); err != nil {
		return fmt.Errorf("failed to decode session state: %w", err)
	}
	return nil
}
