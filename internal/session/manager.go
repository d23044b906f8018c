package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/service"
)

// Info is a lightweight listing entry for a session.
type Info struct {
	ID           string      `json:"id"`
	Step         domain.Step `json:"step"`
	StudyID      string      `json:"study_id"`
	FileName     string      `json:"file_name"`
	TotalRecords int         `json:"total_records"`
	Decisions    int         `json:"decisions"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Manager owns the live sessions of one process.
type Manager struct {
	engine *service.MatchEngine
	source domain.CandidateSource
	logger *logrus.Logger
	opts   []Option

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. Options are applied to every session it creates.
func NewManager(engine *service.MatchEngine, source domain.CandidateSource, logger *logrus.Logger, opts ...Option) *Manager {
	return &Manager{
		engine:   engine,
		source:   source,
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new empty session.
func (m *Manager) Create() *Session {
	s := New(m.engine, m.logger, m.opts...)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.WithField("session_id", s.ID()).Info("Reconciliation session created")
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	return s, nil
}

// Delete discards a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	delete(m.sessions, id)
	m.logger.WithField("session_id", id).Info("Reconciliation session discarded")
	return nil
}

// List describes every live session, most recently updated first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		state := s.Snapshot()
		infos = append(infos, Info{
			ID:           s.ID(),
			Step:         state.Step,
			StudyID:      state.SelectedStudyID,
			FileName:     state.FileName,
			TotalRecords: len(state.IRTRecords),
			Decisions:    len(state.Matches),
			CreatedAt:    s.CreatedAt(),
			UpdatedAt:    s.UpdatedAt(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// SelectStudy loads the study's candidate pool and scopes the session to it.
func (m *Manager) SelectStudy(ctx context.Context, id, studyID string) (domain.ReconciliationState, error) {
	if studyID == "" {
		return domain.ReconciliationState{}, domain.NewValidationError("study_id", "study id is required", studyID)
	}
	s, err := m.Get(id)
	if err != nil {
		return domain.ReconciliationState{}, err
	}

	s.Dispatch(SetProcessing{Processing: true})
	pool, err := m.source.ListCandidates(ctx, studyID)
	s.Dispatch(SetProcessing{Processing: false})
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": id,
			"study_id":   studyID,
		}).Error("Failed to load candidate pool")
		return domain.ReconciliationState{}, fmt.Errorf("loading candidates for study %s: %w", studyID, err)
	}

	return s.SelectStudy(studyID, pool), nil
}

// Import loads records from src and replaces the session's record list. A session still in
// review is sent back to import first so a corrected file can be re-uploaded.
func (m *Manager) Import(ctx context.Context, id string, src domain.RecordSource) (domain.ReconciliationState, error) {
	s, err := m.Get(id)
	if err != nil {
		return domain.ReconciliationState{}, err
	}

	state := s.Snapshot()
	if state.SelectedStudyID == "" {
		return domain.ReconciliationState{}, domain.ErrStudyNotSelected
	}
	switch state.Step {
	case domain.StepImport:
	case domain.StepReview:
		s.Dispatch(SetStep{Step: domain.StepImport})
	default:
		return domain.ReconciliationState{}, fmt.Errorf("%w: cannot import during %s", domain.ErrInvalidStep, state.Step)
	}

	s.Dispatch(SetProcessing{Processing: true})
	records, fileName, err := src.LoadRecords(ctx)
	s.Dispatch(SetProcessing{Processing: false})
	if err != nil {
		return domain.ReconciliationState{}, fmt.Errorf("loading records: %w", err)
	}

	records = ensureRecordIDs(records)
	next, err := s.importFor(state.SelectedStudyID, ImportRecords{Records: records, FileName: fileName})
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": id,
			"study_id":   state.SelectedStudyID,
			"file_name":  fileName,
		}).Warn("Discarding records loaded for a previous study")
		return domain.ReconciliationState{}, err
	}

	invalid := 0
	for _, r := range records {
		if !r.IsValid() {
			invalid++
		}
	}
	m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"study_id":   state.SelectedStudyID,
		"file_name":  fileName,
		"records":    len(records),
		"invalid":    invalid,
	}).Info("IRT records imported")

	return next, nil
}

// ensureRecordIDs gives every record a unique id. Blank and repeated ids are replaced since
// decisions are keyed by record id.
func ensureRecordIDs(records []domain.ImportedRecord) []domain.ImportedRecord {
	out := make([]domain.ImportedRecord, len(records))
	seen := make(map[string]bool, len(records))
	for i, r := range records {
		if r.ID == "" || seen[r.ID] {
			r.ID = uuid.New().String()
		}
		seen[r.ID] = true
		out[i] = r
	}
	return out
}

// StaticRecords adapts an in-memory record list to domain.RecordSource.
type StaticRecords struct {
	Records  []domain.ImportedRecord
	FileName string
}

// LoadRecords returns the wrapped records.
func (s StaticRecords) LoadRecords(ctx context.Context) ([]domain.ImportedRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	return s.Records, s.FileName, nil
}
