package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/service"
)

// ErrNothingToUndo is returned by Undo when no decision remains in the history.
var ErrNothingToUndo = errors.New("nothing to undo")

// Session serializes every action against one reconciliation state. Read-then-write steps
// such as one decision per record and auto-advance happen under its lock.
type Session struct {
	id     string
	logger *logrus.Logger
	engine *service.MatchEngine
	limit  int
	now    func() time.Time

	mu        sync.Mutex
	state     domain.ReconciliationState
	pool      []domain.CandidateReferral
	history   []string
	createdAt time.Time
	updatedAt time.Time

	subMu       sync.Mutex
	subscribers map[int]chan domain.ReconciliationState
	nextSubID   int
}

// Option configures a Session.
type Option func(*Session)

// WithCandidateLimit caps the ranked candidates presented per record. Zero shows all.
func WithCandidateLimit(limit int) Option {
	return func(s *Session) {
		s.limit = limit
	}
}

// WithClock overrides the time source used for decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithID sets the session identifier instead of generating one.
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// New creates an empty session.
func New(engine *service.MatchEngine, logger *logrus.Logger, opts ...Option) *Session {
	s := &Session{
		id:          uuid.New().String(),
		logger:      logger,
		engine:      engine,
		limit:       domain.DefaultCandidates,
		now:         time.Now,
		state:       Initial(),
		subscribers: make(map[int]chan domain.ReconciliationState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now().UTC()
	s.updatedAt = s.createdAt
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// UpdatedAt returns when the session last changed.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Snapshot returns a copy of the current state. Callers may read it freely.
func (s *Session) Snapshot() domain.ReconciliationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

// Pool returns a copy of the candidate pool loaded for the selected study.
func (s *Session) Pool() []domain.CandidateReferral {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := make([]domain.CandidateReferral, len(s.pool))
	copy(pool, s.pool)
	return pool
}

// Dispatch applies one action and returns the resulting state.
func (s *Session) Dispatch(action Action) domain.ReconciliationState {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.apply(action)
	s.publishLocked(next)
	return next
}

// SelectStudy scopes the session to a study and installs its candidate pool snapshot.
func (s *Session) SelectStudy(studyID string, pool []domain.CandidateReferral) domain.ReconciliationState {
	snapshot := make([]domain.CandidateReferral, len(pool))
	copy(snapshot, pool)

	s.mu.Lock()
	s.apply(SetStudy{StudyID: studyID})
	s.pool = snapshot
	next := cloneState(s.state)
	s.publishLocked(next)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"study_id":   studyID,
		"pool_size":  len(snapshot),
	}).Info("Study selected for reconciliation")
	return next
}

// importFor applies an import only while the session is still scoped to studyID and waiting
// for records. The check and the import happen under one lock.
func (s *Session) importFor(studyID string, action ImportRecords) (domain.ReconciliationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.SelectedStudyID != studyID || s.state.Step != domain.StepImport {
		return domain.ReconciliationState{}, fmt.Errorf("%w: session moved to study %q (%s) while records for %q were loading",
			domain.ErrInvalidStep, s.state.SelectedStudyID, s.state.Step, studyID)
	}
	next := s.apply(action)
	s.publishLocked(next)
	return next, nil
}

// apply runs the reducer and keeps session-level bookkeeping in step. Caller holds s.mu.
func (s *Session) apply(action Action) domain.ReconciliationState {
	action = deref(action)
	prev := s.state
	s.state = Reduce(s.state, action)

	switch action.(type) {
	case Reset:
		s.pool = nil
		s.history = nil
	case SetStudy, ImportRecords:
		if s.state.SelectedStudyID != prev.SelectedStudyID || s.state.Step != prev.Step {
			s.history = nil
		}
	}
	if s.state.SelectedStudyID != prev.SelectedStudyID {
		s.pool = nil
	}

	s.updatedAt = s.now().UTC()
	return cloneState(s.state)
}

// Candidates ranks the study's pool against the current record.
func (s *Session) Candidates() ([]domain.MatchCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidatesLocked()
}

func (s *Session) candidatesLocked() ([]domain.MatchCandidate, error) {
	record, ok := s.state.CurrentRecord()
	if !ok {
		return nil, domain.ErrNoCurrentRecord
	}
	return s.engine.TopCandidates(record, s.pool, s.limit), nil
}

// RecordMatch links the current record to its rank-th candidate (1-based), then advances.
func (s *Session) RecordMatch(rank int) (domain.ReconciliationMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision, err := s.recordMatchLocked(rank)
	if err == nil {
		s.publishLocked(cloneState(s.state))
	}
	return decision, err
}

func (s *Session) recordMatchLocked(rank int) (domain.ReconciliationMatch, error) {
	if err := s.requireMatchStep(); err != nil {
		return domain.ReconciliationMatch{}, err
	}
	candidates, err := s.candidatesLocked()
	if err != nil {
		return domain.ReconciliationMatch{}, err
	}
	if rank < 1 || rank > len(candidates) {
		return domain.ReconciliationMatch{}, fmt.Errorf("%w: rank %d of %d", domain.ErrCandidateRankOutOfRange, rank, len(candidates))
	}
	chosen := candidates[rank-1]
	return s.decideLocked(&chosen.Referral, chosen.ConfidenceScore, false), nil
}

// RecordManualMatch links the current record to a referral picked from the pool by id rather
// than from the ranked list.
func (s *Session) RecordManualMatch(referralID string) (domain.ReconciliationMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision, err := s.recordManualLocked(referralID)
	if err == nil {
		s.publishLocked(cloneState(s.state))
	}
	return decision, err
}

func (s *Session) recordManualLocked(referralID string) (domain.ReconciliationMatch, error) {
	if err := s.requireMatchStep(); err != nil {
		return domain.ReconciliationMatch{}, err
	}
	record, ok := s.state.CurrentRecord()
	if !ok {
		return domain.ReconciliationMatch{}, domain.ErrNoCurrentRecord
	}
	for _, referral := range s.pool {
		if referral.ID == referralID {
			scored := s.engine.ScorePair(record, referral)
			referral := referral
			return s.decideLocked(&referral, scored.ConfidenceScore, true), nil
		}
	}
	return domain.ReconciliationMatch{}, fmt.Errorf("referral %s: %w", referralID, domain.ErrNotFound)
}

// RecordNoMatch records an explicit no-match for the current record, then advances.
func (s *Session) RecordNoMatch() (domain.ReconciliationMatch, error) {
	s.mu.Lock()
	var (
		decision domain.ReconciliationMatch
		err      = s.requireMatchStep()
	)
	if err == nil {
		if _, ok := s.state.CurrentRecord(); !ok {
			err = domain.ErrNoCurrentRecord
		} else {
			decision = s.decideLocked(nil, 0, false)
		}
	}
	if err == nil {
		s.publishLocked(cloneState(s.state))
	}
	s.mu.Unlock()
	return decision, err
}

// decideLocked stores a decision for the current record and applies the auto-advance
// convention: move on unless this was the last record.
func (s *Session) decideLocked(referral *domain.CandidateReferral, score int, manual bool) domain.ReconciliationMatch {
	record, _ := s.state.CurrentRecord()

	decision := domain.ReconciliationMatch{
		ID:              uuid.New().String(),
		IRTRecord:       record,
		MatchedAt:       s.now().UTC(),
		ConfidenceScore: score,
		IsManual:        manual,
	}
	if referral != nil {
		id := referral.ID
		decision.ReferralID = &id
		decision.Referral = referral
	}

	s.apply(AddMatch{Match: decision})
	s.history = append(s.history, record.ID)

	if !s.state.IsLastRecord() {
		s.apply(NextRecord{})
	}

	s.logger.WithFields(logrus.Fields{
		"session_id":  s.id,
		"record_id":   record.ID,
		"no_match":    decision.IsNoMatch(),
		"confidence":  score,
		"is_manual":   manual,
		"decided":     len(s.state.Matches),
		"total":       len(s.state.IRTRecords),
		"current_idx": s.state.CurrentIndex,
	}).Debug("Decision recorded")

	return decision
}

// Undo removes the most recent decision still present and moves the cursor back to its record.
func (s *Session) Undo() (domain.ReconciliationMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision, err := s.undoLocked()
	if err == nil {
		s.publishLocked(cloneState(s.state))
	}
	return decision, err
}

func (s *Session) undoLocked() (domain.ReconciliationMatch, error) {
	if err := s.requireMatchStep(); err != nil {
		return domain.ReconciliationMatch{}, err
	}
	for len(s.history) > 0 {
		recordID := s.history[len(s.history)-1]
		s.history = s.history[:len(s.history)-1]

		decision, ok := s.state.DecisionFor(recordID)
		if !ok {
			continue
		}
		s.apply(RemoveMatch{IRTRecordID: recordID})
		s.apply(GoToRecord{Index: s.state.RecordIndex(recordID)})
		return decision, nil
	}
	return domain.ReconciliationMatch{}, ErrNothingToUndo
}

// Records returns the record list narrowed by filter.
func (s *Session) Records(filter domain.RecordFilter) []RecordView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FilterRecords(s.state, filter)
}

func (s *Session) requireMatchStep() error {
	if s.state.Step != domain.StepMatch {
		return fmt.Errorf("%w: decisions require the %s step, session is in %s",
			domain.ErrInvalidStep, domain.StepMatch, s.state.Step)
	}
	return nil
}

// Subscribe registers for state snapshots after every change. Slow readers miss
// intermediate snapshots rather than blocking the session, but the last snapshot in the
// channel is always the latest state. Call cancel to unsubscribe.
func (s *Session) Subscribe(buffer int) (<-chan domain.ReconciliationState, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.ReconciliationState, buffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publishLocked delivers a snapshot to every subscriber. Caller holds s.mu, so snapshots go
// out in the order the actions were applied. A full buffer loses its oldest snapshot.
func (s *Session) publishLocked(state domain.ReconciliationState) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- state:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- state:
		default:
		}
	}
}

func cloneState(state domain.ReconciliationState) domain.ReconciliationState {
	out := state
	out.IRTRecords = make([]domain.ImportedRecord, len(state.IRTRecords))
	copy(out.IRTRecords, state.IRTRecords)
	out.Matches = make([]domain.ReconciliationMatch, len(state.Matches))
	copy(out.Matches, state.Matches)
	return out
}
