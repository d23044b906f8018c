// Package importer reads IRT exports and referral lists from delimited files whose columns
// are already mapped to canonical names.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("missing required column")

// ErrDuplicateID is returned when two records share an id.
var ErrDuplicateID = errors.New("duplicate record id")

// canonicalHeader folds a header cell for comparison: case, surrounding space and inner
// spaces or dashes are ignored, so "Subject ID" matches subject_id.
func canonicalHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	return h
}

// table is a parsed CSV with a header index.
type table struct {
	columns map[string]int
	rows    [][]string
}

func readTable(r io.Reader) (*table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return &table{columns: map[string]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		name := canonicalHeader(h)
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	return &table{columns: columns, rows: rows}, nil
}

func (t *table) require(names ...string) error {
	for _, name := range names {
		if _, ok := t.columns[name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	return nil
}

func (t *table) get(row []string, name string) string {
	i, ok := t.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// ParseRecords reads IRT records. Only the subject_id and date_of_birth columns must be
// present; rows with blank values are kept and flagged downstream.
func ParseRecords(r io.Reader) ([]domain.ImportedRecord, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	if err := t.require("subject_id", "date_of_birth"); err != nil {
		return nil, err
	}

	records := make([]domain.ImportedRecord, 0, len(t.rows))
	seen := make(map[string]bool, len(t.rows))
	for line, row := range t.rows {
		if blankRow(row) {
			continue
		}
		record := domain.ImportedRecord{
			ID:             t.get(row, "id"),
			SubjectID:      t.get(row, "subject_id"),
			DateOfBirth:    t.get(row, "date_of_birth"),
			Initials:       t.get(row, "initials"),
			FirstName:      t.get(row, "first_name"),
			LastName:       t.get(row, "last_name"),
			ICFSignDate:    t.get(row, "icf_sign_date"),
			EnrollmentDate: t.get(row, "enrollment_date"),
			ScreeningDate:  t.get(row, "screening_date"),
			SiteNumber:     t.get(row, "site_number"),
		}
		if record.ID == "" {
			record.ID = uuid.New().String()
		}
		if seen[record.ID] {
			return nil, fmt.Errorf("row %d: %w: %s", line+2, ErrDuplicateID, record.ID)
		}
		seen[record.ID] = true
		records = append(records, record)
	}
	return records, nil
}

// ParseCandidates reads referrals. updated_at accepts RFC 3339 or a plain date.
func ParseCandidates(r io.Reader) ([]domain.CandidateReferral, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	if err := t.require("id", "study_id"); err != nil {
		return nil, err
	}

	candidates := make([]domain.CandidateReferral, 0, len(t.rows))
	for line, row := range t.rows {
		if blankRow(row) {
			continue
		}
		updatedAt, err := parseTimestamp(t.get(row, "updated_at"))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line+2, err)
		}
		candidates = append(candidates, domain.CandidateReferral{
			ID:                t.get(row, "id"),
			StudyID:           t.get(row, "study_id"),
			FirstName:         t.get(row, "first_name"),
			LastName:          t.get(row, "last_name"),
			DateOfBirth:       t.get(row, "date_of_birth"),
			AppointmentDate:   t.get(row, "appointment_date"),
			ConsentSignedDate: t.get(row, "consent_signed_date"),
			SiteNumber:        t.get(row, "site_number"),
			SiteName:          t.get(row, "site_name"),
			Status:            t.get(row, "status"),
			UpdatedAt:         updatedAt,
		})
	}
	return candidates, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid updated_at %q", raw)
	}
	return ts, nil
}

// CSVRecordSource loads IRT records from a file or an open reader.
type CSVRecordSource struct {
	path     string
	reader   io.Reader
	fileName string
}

// NewCSVRecordSource reads records from a file on disk.
func NewCSVRecordSource(path string) *CSVRecordSource {
	return &CSVRecordSource{path: path, fileName: filepath.Base(path)}
}

// NewCSVRecordReader reads records from r, reporting fileName as their origin.
func NewCSVRecordReader(r io.Reader, fileName string) *CSVRecordSource {
	return &CSVRecordSource{reader: r, fileName: fileName}
}

// LoadRecords implements domain.RecordSource.
func (s *CSVRecordSource) LoadRecords(ctx context.Context) ([]domain.ImportedRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	r := s.reader
	if r == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, "", fmt.Errorf("opening %s: %w", s.path, err)
		}
		defer f.Close()
		r = f
	}

	records, err := ParseRecords(r)
	if err != nil {
		return nil, "", fmt.Errorf("parsing %s: %w", s.fileName, err)
	}
	return records, s.fileName, nil
}

// CSVCandidateSource serves referrals from a CSV file. The file is read once and
// reloaded on demand.
type CSVCandidateSource struct {
	path   string
	logger *logrus.Logger

	mu      sync.RWMutex
	loaded  bool
	byStudy map[string][]domain.CandidateReferral
}

// NewCSVCandidateSource creates a candidate source over the file at path.
func NewCSVCandidateSource(path string, logger *logrus.Logger) *CSVCandidateSource {
	return &CSVCandidateSource{path: path, logger: logger}
}

// NewCSVCandidateSourceFromReader creates a candidate source from already-open data.
func NewCSVCandidateSourceFromReader(r io.Reader, logger *logrus.Logger) (*CSVCandidateSource, error) {
	candidates, err := ParseCandidates(r)
	if err != nil {
		return nil, err
	}
	s := &CSVCandidateSource{logger: logger}
	s.install(candidates)
	return s, nil
}

// Reload re-reads the file.
func (s *CSVCandidateSource) Reload() error {
	if s.path == "" {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	candidates, err := ParseCandidates(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}
	s.install(candidates)

	s.logger.WithFields(logrus.Fields{
		"path":       s.path,
		"candidates": len(candidates),
	}).Info("Referral file loaded")
	return nil
}

func (s *CSVCandidateSource) install(candidates []domain.CandidateReferral) {
	byStudy := make(map[string][]domain.CandidateReferral)
	for _, c := range candidates {
		byStudy[c.StudyID] = append(byStudy[c.StudyID], c)
	}

	s.mu.Lock()
	s.byStudy = byStudy
	s.loaded = true
	s.mu.Unlock()
}

// Studies returns the study ids present in the file.
func (s *CSVCandidateSource) Studies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	studies := make([]string, 0, len(s.byStudy))
	for id := range s.byStudy {
		studies = append(studies, id)
	}
	return studies
}

// ListCandidates implements domain.CandidateSource.
func (s *CSVCandidateSource) ListCandidates(ctx context.Context, studyID string) ([]domain.CandidateReferral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if !loaded {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	pool := s.byStudy[studyID]
	out := make([]domain.CandidateReferral, len(pool))
	copy(out, pool)
	return out, nil
}
