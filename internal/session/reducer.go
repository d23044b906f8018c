package session

import (
	"github.com/irt-reconciliation-engine/internal/domain"
)

// Initial returns the empty session state.
func Initial() domain.ReconciliationState {
	return domain.ReconciliationState{
		Step:       domain.StepImport,
		IRTRecords: []domain.ImportedRecord{},
		Matches:    []domain.ReconciliationMatch{},
	}
}

// stepEdges lists the transitions SetStep may follow. import→review is reached only by
// importing records and match→summary only by completing the session.
var stepEdges = map[domain.Step][]domain.Step{
	domain.StepReview:  {domain.StepMatch, domain.StepImport},
	domain.StepMatch:   {domain.StepReview},
	domain.StepSummary: {domain.StepMatch},
}

// CanTransition reports whether SetStep may move from one step to another.
func CanTransition(from, to domain.Step) bool {
	for _, allowed := range stepEdges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Reduce applies an action and returns the next state. It never mutates its input and never
// fails: actions that do not apply to the current state leave it unchanged, and out-of-range
// cursor moves are clamped. Pointer actions are treated like their values.
func Reduce(state domain.ReconciliationState, action Action) domain.ReconciliationState {
	switch a := deref(action).(type) {
	case SetStudy:
		return reduceSetStudy(state, a)
	case ImportRecords:
		return reduceImport(state, a)
	case AddMatch:
		return reduceAddMatch(state, a)
	case RemoveMatch:
		return reduceRemoveMatch(state, a)
	case UpdateMatch:
		return reduceUpdateMatch(state, a)
	case NextRecord:
		return withIndex(state, state.CurrentIndex+1)
	case PrevRecord:
		return withIndex(state, state.CurrentIndex-1)
	case GoToRecord:
		return withIndex(state, a.Index)
	case SetStep:
		if !CanTransition(state.Step, a.Step) {
			return state
		}
		state.Step = a.Step
		return state
	case SetProcessing:
		state.IsProcessing = a.Processing
		return state
	case CompleteSession:
		if state.Step != domain.StepReview && state.Step != domain.StepMatch {
			return state
		}
		state.Step = domain.StepSummary
		return state
	case Reset:
		return Initial()
	default:
		return state
	}
}

func reduceSetStudy(state domain.ReconciliationState, a SetStudy) domain.ReconciliationState {
	if a.StudyID == state.SelectedStudyID {
		return state
	}
	// Records imported for one study must never be scored against another study's pool.
	next := Initial()
	next.SelectedStudyID = a.StudyID
	next.IsProcessing = state.IsProcessing
	return next
}

// reduceImport refuses record lists with blank or repeated ids, since decisions are keyed by
// record id.
func reduceImport(state domain.ReconciliationState, a ImportRecords) domain.ReconciliationState {
	if state.Step != domain.StepImport || !uniqueRecordIDs(a.Records) {
		return state
	}
	records := make([]domain.ImportedRecord, len(a.Records))
	copy(records, a.Records)

	state.IRTRecords = records
	state.FileName = a.FileName
	state.Matches = []domain.ReconciliationMatch{}
	state.CurrentIndex = 0
	state.Step = domain.StepReview
	return state
}

func uniqueRecordIDs(records []domain.ImportedRecord) bool {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.ID == "" {
			return false
		}
		if _, dup := seen[r.ID]; dup {
			return false
		}
		seen[r.ID] = struct{}{}
	}
	return true
}

// reduceAddMatch keeps matches in import order with at most one decision per record. A second
// decision for the same record replaces the first.
func reduceAddMatch(state domain.ReconciliationState, a AddMatch) domain.ReconciliationState {
	if state.Step != domain.StepMatch {
		return state
	}
	positions := make(map[string]int, len(state.IRTRecords))
	for i, r := range state.IRTRecords {
		positions[r.ID] = i
	}
	position, ok := positions[a.Match.IRTRecord.ID]
	if !ok {
		return state
	}

	matches := make([]domain.ReconciliationMatch, 0, len(state.Matches)+1)
	inserted := false
	for _, m := range state.Matches {
		if m.IRTRecord.ID == a.Match.IRTRecord.ID {
			continue
		}
		if !inserted && positions[m.IRTRecord.ID] > position {
			matches = append(matches, a.Match)
			inserted = true
		}
		matches = append(matches, m)
	}
	if !inserted {
		matches = append(matches, a.Match)
	}

	state.Matches = matches
	return state
}

func reduceRemoveMatch(state domain.ReconciliationState, a RemoveMatch) domain.ReconciliationState {
	if state.Step != domain.StepMatch {
		return state
	}
	if _, ok := state.DecisionFor(a.IRTRecordID); !ok {
		return state
	}
	matches := make([]domain.ReconciliationMatch, 0, len(state.Matches))
	for _, m := range state.Matches {
		if m.IRTRecord.ID != a.IRTRecordID {
			matches = append(matches, m)
		}
	}
	state.Matches = matches
	return state
}

func reduceUpdateMatch(state domain.ReconciliationState, a UpdateMatch) domain.ReconciliationState {
	if state.Step != domain.StepMatch {
		return state
	}
	matches := make([]domain.ReconciliationMatch, len(state.Matches))
	copy(matches, state.Matches)

	for i, m := range matches {
		if m.IRTRecord.ID != a.IRTRecordID {
			continue
		}
		if a.ReferralID == nil {
			m.ReferralID = nil
			m.Referral = nil
		} else {
			id := *a.ReferralID
			m.ReferralID = &id
			m.Referral = nil
			if a.Referral != nil && a.Referral.ID == id {
				referral := *a.Referral
				m.Referral = &referral
			}
		}
		if a.ConfidenceScore != nil {
			m.ConfidenceScore = clamp(*a.ConfidenceScore, 0, domain.MaxConfidence)
		}
		matches[i] = m
		state.Matches = matches
		return state
	}
	return state
}

func withIndex(state domain.ReconciliationState, index int) domain.ReconciliationState {
	if len(state.IRTRecords) == 0 {
		state.CurrentIndex = 0
		return state
	}
	state.CurrentIndex = clamp(index, 0, len(state.IRTRecords)-1)
	return state
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
