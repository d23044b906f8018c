package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/service"
)

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return clock })}, opts...)
	return New(service.NewMatchEngine(logger), logger, opts...)
}

func studyPool() []domain.CandidateReferral {
	updated := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	return []domain.CandidateReferral{
		{ID: "ref-ana", StudyID: "study-1", FirstName: "Ana", LastName: "Lopez", DateOfBirth: "1980-05-12", SiteNumber: "101", UpdatedAt: updated},
		{ID: "ref-bo", StudyID: "study-1", FirstName: "Bo", LastName: "Chen", DateOfBirth: "1975-11-30", SiteNumber: "102", UpdatedAt: updated},
		{ID: "ref-cy", StudyID: "study-1", FirstName: "Cy", LastName: "Diaz", DateOfBirth: "1980-05-12", SiteNumber: "205", UpdatedAt: updated},
	}
}

func studyRecords() []domain.ImportedRecord {
	return []domain.ImportedRecord{
		{ID: "r1", SubjectID: "101-001", DateOfBirth: "1980-05-12", FirstName: "Ana", LastName: "Lopez", SiteNumber: "101"},
		{ID: "r2", SubjectID: "102-001", DateOfBirth: "1975-11-30", Initials: "BC", SiteNumber: "0102"},
		{ID: "r3", SubjectID: "", DateOfBirth: "1990-01-01", SiteNumber: "300"},
	}
}

// matchStepSession returns a session with a study selected, records imported and the match
// step entered.
func matchStepSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s := newTestSession(t, opts...)
	s.SelectStudy("study-1", studyPool())
	s.Dispatch(ImportRecords{Records: studyRecords(), FileName: "irt.csv"})
	state := s.Dispatch(SetStep{Step: domain.StepMatch})
	require.Equal(t, domain.StepMatch, state.Step)
	return s
}

func TestSession_Candidates(t *testing.T) {
	s := matchStepSession(t)

	candidates, err := s.Candidates()
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, "ref-ana", candidates[0].ReferralID)
	assert.Equal(t, 85, candidates[0].ConfidenceScore)
	assert.Equal(t, domain.BandHigh, candidates[0].Band)
}

func TestSession_CandidateLimit(t *testing.T) {
	s := matchStepSession(t, WithCandidateLimit(2))

	candidates, err := s.Candidates()
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestSession_CandidatesWithoutRecords(t *testing.T) {
	s := newTestSession(t)
	_, err := s.Candidates()
	assert.ErrorIs(t, err, domain.ErrNoCurrentRecord)
}

func TestSession_RecordMatchAdvances(t *testing.T) {
	s := matchStepSession(t)

	decision, err := s.RecordMatch(1)
	require.NoError(t, err)
	require.NotNil(t, decision.ReferralID)
	assert.Equal(t, "ref-ana", *decision.ReferralID)
	assert.Equal(t, "r1", decision.IRTRecord.ID)
	assert.False(t, decision.IsManual)
	assert.NotEmpty(t, decision.ID)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), decision.MatchedAt)

	state := s.Snapshot()
	assert.Equal(t, 1, state.CurrentIndex)
	assert.Len(t, state.Matches, 1)
}

func TestSession_LastDecisionDoesNotAdvance(t *testing.T) {
	s := matchStepSession(t)
	s.Dispatch(GoToRecord{Index: 2})

	_, err := s.RecordNoMatch()
	require.NoError(t, err)

	state := s.Snapshot()
	assert.Equal(t, 2, state.CurrentIndex)
	assert.Equal(t, domain.StepMatch, state.Step, "completion stays explicit")
	m, ok := state.DecisionFor("r3")
	require.True(t, ok)
	assert.True(t, m.IsNoMatch())
	assert.Equal(t, 0, m.ConfidenceScore)
}

func TestSession_RecordMatchRankOutOfRange(t *testing.T) {
	s := matchStepSession(t)

	_, err := s.RecordMatch(4)
	assert.ErrorIs(t, err, domain.ErrCandidateRankOutOfRange)
	_, err = s.RecordMatch(0)
	assert.ErrorIs(t, err, domain.ErrCandidateRankOutOfRange)
	assert.Empty(t, s.Snapshot().Matches)
}

func TestSession_DecisionsRequireMatchStep(t *testing.T) {
	s := newTestSession(t)
	s.SelectStudy("study-1", studyPool())
	s.Dispatch(ImportRecords{Records: studyRecords()})

	_, err := s.RecordNoMatch()
	assert.ErrorIs(t, err, domain.ErrInvalidStep)
	_, err = s.RecordMatch(1)
	assert.ErrorIs(t, err, domain.ErrInvalidStep)
	_, err = s.Undo()
	assert.ErrorIs(t, err, domain.ErrInvalidStep)
}

func TestSession_RecordManualMatch(t *testing.T) {
	s := matchStepSession(t)

	decision, err := s.RecordManualMatch("ref-cy")
	require.NoError(t, err)
	assert.True(t, decision.IsManual)
	assert.Equal(t, "ref-cy", *decision.ReferralID)
	assert.Equal(t, service.WeightDateOfBirth, decision.ConfidenceScore)

	_, err = s.RecordManualMatch("ref-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSession_ChangingDecisionReplacesIt(t *testing.T) {
	s := matchStepSession(t)

	_, err := s.RecordMatch(1)
	require.NoError(t, err)
	s.Dispatch(PrevRecord{})
	_, err = s.RecordNoMatch()
	require.NoError(t, err)

	state := s.Snapshot()
	require.Len(t, state.Matches, 1)
	assert.True(t, state.Matches[0].IsNoMatch())
}

func TestSession_Undo(t *testing.T) {
	s := matchStepSession(t)

	_, err := s.RecordMatch(1)
	require.NoError(t, err)
	_, err = s.RecordNoMatch()
	require.NoError(t, err)
	require.Equal(t, 2, s.Snapshot().CurrentIndex)

	undone, err := s.Undo()
	require.NoError(t, err)
	assert.Equal(t, "r2", undone.IRTRecord.ID)
	state := s.Snapshot()
	assert.Equal(t, 1, state.CurrentIndex)
	assert.Len(t, state.Matches, 1)

	undone, err = s.Undo()
	require.NoError(t, err)
	assert.Equal(t, "r1", undone.IRTRecord.ID)
	assert.Equal(t, 0, s.Snapshot().CurrentIndex)

	_, err = s.Undo()
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestSession_UndoSkipsRemovedDecisions(t *testing.T) {
	s := matchStepSession(t)

	_, err := s.RecordMatch(1)
	require.NoError(t, err)
	_, err = s.RecordNoMatch()
	require.NoError(t, err)
	s.Dispatch(RemoveMatch{IRTRecordID: "r2"})

	undone, err := s.Undo()
	require.NoError(t, err)
	assert.Equal(t, "r1", undone.IRTRecord.ID)
}

func TestSession_SelectStudyReplacesPool(t *testing.T) {
	s := matchStepSession(t)
	_, err := s.RecordMatch(1)
	require.NoError(t, err)

	state := s.SelectStudy("study-2", nil)
	assert.Equal(t, "study-2", state.SelectedStudyID)
	assert.Equal(t, domain.StepImport, state.Step)
	assert.Empty(t, state.Matches)
	assert.Empty(t, s.Pool())
}

func TestSession_ResetClearsEverything(t *testing.T) {
	s := matchStepSession(t)
	_, err := s.RecordMatch(1)
	require.NoError(t, err)

	state := s.Dispatch(Reset{})
	assert.Equal(t, Initial(), state)
	assert.Empty(t, s.Pool())
	_, err = s.Undo()
	assert.ErrorIs(t, err, domain.ErrInvalidStep)
}

func TestSession_SnapshotIsACopy(t *testing.T) {
	s := matchStepSession(t)
	snapshot := s.Snapshot()
	snapshot.IRTRecords[0].SubjectID = "changed"

	assert.Equal(t, "101-001", s.Snapshot().IRTRecords[0].SubjectID)
}

func TestSession_Records(t *testing.T) {
	s := matchStepSession(t)
	_, err := s.RecordMatch(1)
	require.NoError(t, err)
	_, err = s.RecordNoMatch()
	require.NoError(t, err)

	tests := []struct {
		filter domain.RecordFilter
		ids    []string
	}{
		{domain.FilterAll, []string{"r1", "r2", "r3"}},
		{domain.FilterDecided, []string{"r1", "r2"}},
		{domain.FilterMatched, []string{"r1"}},
		{domain.FilterNoMatch, []string{"r2"}},
		{domain.FilterUndecided, []string{"r3"}},
		{domain.FilterInvalid, []string{"r3"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			views := s.Records(tt.filter)
			ids := make([]string, 0, len(views))
			for _, v := range views {
				ids = append(ids, v.Record.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}

	views := s.Records(domain.FilterAll)
	assert.Equal(t, domain.StatusMatched, views[0].Status)
	assert.Equal(t, domain.StatusNoMatch, views[1].Status)
	assert.Equal(t, domain.StatusNotReviewed, views[2].Status)
	assert.True(t, views[2].IsCurrent)
	assert.Equal(t, []string{"subject_id"}, views[2].MissingFields)
}

func TestSession_Subscribe(t *testing.T) {
	s := newTestSession(t)
	updates, cancel := s.Subscribe(4)

	s.SelectStudy("study-1", studyPool())
	s.Dispatch(ImportRecords{Records: studyRecords()})

	first := <-updates
	assert.Equal(t, "study-1", first.SelectedStudyID)
	second := <-updates
	assert.Equal(t, domain.StepReview, second.Step)

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)

	s.Dispatch(NextRecord{})
}

func TestSession_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := matchStepSession(t)
	_, cancel := s.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Dispatch(NextRecord{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a full subscriber")
	}
}

// drain reads every buffered snapshot and returns the last one.
func drain(t *testing.T, updates <-chan domain.ReconciliationState) domain.ReconciliationState {
	t.Helper()
	var last domain.ReconciliationState
	received := false
	for {
		select {
		case state := <-updates:
			last = state
			received = true
		default:
			require.True(t, received, "expected at least one snapshot")
			return last
		}
	}
}

func TestSession_FullSubscriberKeepsLatestSnapshot(t *testing.T) {
	s := matchStepSession(t)
	updates, cancel := s.Subscribe(1)
	defer cancel()

	s.Dispatch(GoToRecord{Index: 0})
	s.Dispatch(GoToRecord{Index: 1})
	s.Dispatch(GoToRecord{Index: 2})

	last := drain(t, updates)
	assert.Equal(t, 2, last.CurrentIndex)
	assert.Equal(t, s.Snapshot(), last)
}

func TestSession_ConcurrentActionsDeliverLatestLast(t *testing.T) {
	s := matchStepSession(t)
	updates, cancel := s.Subscribe(2)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				s.Dispatch(GoToRecord{Index: (i + j) % 3})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, s.Snapshot(), drain(t, updates))
}

func TestHandleKey(t *testing.T) {
	t.Run("digits select ranked candidates", func(t *testing.T) {
		s := matchStepSession(t)
		handled, err := s.HandleKey(KeyEvent{Key: "1"})
		require.NoError(t, err)
		assert.True(t, handled)

		m, ok := s.Snapshot().DecisionFor("r1")
		require.True(t, ok)
		assert.Equal(t, "ref-ana", *m.ReferralID)
	})

	t.Run("missing rank is ignored", func(t *testing.T) {
		s := matchStepSession(t, WithCandidateLimit(2))
		handled, err := s.HandleKey(KeyEvent{Key: "3"})
		require.NoError(t, err)
		assert.False(t, handled)
		assert.Empty(t, s.Snapshot().Matches)
	})

	t.Run("n records no match", func(t *testing.T) {
		s := matchStepSession(t)
		handled, err := s.HandleKey(KeyEvent{Key: "N"})
		require.NoError(t, err)
		assert.True(t, handled)
		assert.True(t, s.Snapshot().Matches[0].IsNoMatch())
	})

	t.Run("arrows navigate", func(t *testing.T) {
		s := matchStepSession(t)
		_, _ = s.HandleKey(KeyEvent{Key: "ArrowRight"})
		_, _ = s.HandleKey(KeyEvent{Key: "ArrowRight"})
		assert.Equal(t, 2, s.Snapshot().CurrentIndex)
		_, _ = s.HandleKey(KeyEvent{Key: "ArrowLeft"})
		assert.Equal(t, 1, s.Snapshot().CurrentIndex)
	})

	t.Run("text input suppresses shortcuts", func(t *testing.T) {
		s := matchStepSession(t)
		handled, err := s.HandleKey(KeyEvent{Key: "n", InTextInput: true})
		require.NoError(t, err)
		assert.False(t, handled)
		assert.Empty(t, s.Snapshot().Matches)
	})

	t.Run("ignored outside match step", func(t *testing.T) {
		s := newTestSession(t)
		handled, err := s.HandleKey(KeyEvent{Key: "ArrowRight"})
		require.NoError(t, err)
		assert.False(t, handled)
	})
}

func TestResolveShortcut(t *testing.T) {
	tests := []struct {
		key  string
		want Shortcut
		ok   bool
	}{
		{"ArrowLeft", Shortcut{Kind: ShortcutPrevRecord}, true},
		{"Right", Shortcut{Kind: ShortcutNextRecord}, true},
		{"n", Shortcut{Kind: ShortcutNoMatch}, true},
		{"5", Shortcut{Kind: ShortcutSelectCandidate, Rank: 5}, true},
		{"6", Shortcut{}, false},
		{"0", Shortcut{}, false},
		{"x", Shortcut{}, false},
		{"12", Shortcut{}, false},
	}

	for _, tt := range tests {
		got, ok := ResolveShortcut(KeyEvent{Key: tt.key})
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.want, got, tt.key)
	}
}

func TestDecodeAction(t *testing.T) {
	action, err := DecodeAction([]byte(`{"type":"GO_TO_RECORD","payload":{"index":3}}`))
	require.NoError(t, err)
	assert.Equal(t, GoToRecord{Index: 3}, action)
	assert.Equal(t, ActionGoToRecord, TypeOf(action))

	action, err = DecodeAction([]byte(`{"type":"NEXT_RECORD"}`))
	require.NoError(t, err)
	assert.Equal(t, NextRecord{}, action)

	action, err = DecodeAction([]byte(`{"type":"UPDATE_MATCH","payload":{"irt_record_id":"r1","referral_id":null,"confidence_score":40}}`))
	require.NoError(t, err)
	update, ok := action.(UpdateMatch)
	require.True(t, ok)
	assert.Nil(t, update.ReferralID)
	require.NotNil(t, update.ConfidenceScore)
	assert.Equal(t, 40, *update.ConfidenceScore)

	_, err = DecodeAction([]byte(`{"type":"LAUNCH"}`))
	assert.True(t, errors.Is(err, domain.ErrUnknownAction))

	_, err = DecodeAction([]byte(`not json`))
	assert.Error(t, err)
}
