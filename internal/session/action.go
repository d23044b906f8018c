// Package session implements the reconciliation review workflow: a pure reducer over
// domain.ReconciliationState and the serialized Session that owns one state.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// Action is a state transition request. The set of actions is closed: only types in this
// package implement it.
type Action interface {
	actionType() ActionType
}

// ActionType names an action on the wire.
type ActionType string

const (
	ActionSetStudy        ActionType = "SET_STUDY"
	ActionImportRecords   ActionType = "IMPORT_RECORDS"
	ActionAddMatch        ActionType = "ADD_MATCH"
	ActionRemoveMatch     ActionType = "REMOVE_MATCH"
	ActionUpdateMatch     ActionType = "UPDATE_MATCH"
	ActionNextRecord      ActionType = "NEXT_RECORD"
	ActionPrevRecord      ActionType = "PREV_RECORD"
	ActionGoToRecord      ActionType = "GO_TO_RECORD"
	ActionSetStep         ActionType = "SET_STEP"
	ActionSetProcessing   ActionType = "SET_PROCESSING"
	ActionCompleteSession ActionType = "COMPLETE_SESSION"
	ActionReset           ActionType = "RESET"
)

// SetStudy scopes the session to a study.
type SetStudy struct {
	StudyID string `json:"study_id"`
}

// ImportRecords replaces the record list in one step.
type ImportRecords struct {
	Records  []domain.ImportedRecord `json:"records"`
	FileName string                  `json:"file_name"`
}

// AddMatch records a decision.
type AddMatch struct {
	Match domain.ReconciliationMatch `json:"match"`
}

// RemoveMatch deletes the decision for a record.
type RemoveMatch struct {
	IRTRecordID string `json:"irt_record_id"`
}

// UpdateMatch changes the referral chosen for an existing decision. A nil ReferralID turns
// it into a no-match. ConfidenceScore is left untouched when nil.
type UpdateMatch struct {
	IRTRecordID     string                    `json:"irt_record_id"`
	ReferralID      *string                   `json:"referral_id"`
	Referral        *domain.CandidateReferral `json:"referral,omitempty"`
	ConfidenceScore *int                      `json:"confidence_score,omitempty"`
}

// NextRecord moves the cursor forward by one.
type NextRecord struct{}

// PrevRecord moves the cursor back by one.
type PrevRecord struct{}

// GoToRecord jumps to an index.
type GoToRecord struct {
	Index int `json:"index"`
}

// SetStep follows one of the explicit step edges.
type SetStep struct {
	Step domain.Step `json:"step"`
}

// SetProcessing flags an in-flight import or pool load.
type SetProcessing struct {
	Processing bool `json:"processing"`
}

// CompleteSession moves to the summary, decided or not.
type CompleteSession struct{}

// Reset discards the session.
type Reset struct{}

func (SetStudy) actionType() ActionType        { return ActionSetStudy }
func (ImportRecords) actionType() ActionType   { return ActionImportRecords }
func (AddMatch) actionType() ActionType        { return ActionAddMatch }
func (RemoveMatch) actionType() ActionType     { return ActionRemoveMatch }
func (UpdateMatch) actionType() ActionType     { return ActionUpdateMatch }
func (NextRecord) actionType() ActionType      { return ActionNextRecord }
func (PrevRecord) actionType() ActionType      { return ActionPrevRecord }
func (GoToRecord) actionType() ActionType      { return ActionGoToRecord }
func (SetStep) actionType() ActionType         { return ActionSetStep }
func (SetProcessing) actionType() ActionType   { return ActionSetProcessing }
func (CompleteSession) actionType() ActionType { return ActionCompleteSession }
func (Reset) actionType() ActionType           { return ActionReset }

// TypeOf returns the wire name of an action.
func TypeOf(action Action) ActionType {
	return action.actionType()
}

// envelope is the JSON shape of an action: {"type": "...", "payload": {...}}.
type envelope struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeAction parses a JSON action envelope.
func DecodeAction(data []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}

	var action Action
	switch env.Type {
	case ActionSetStudy:
		action = &SetStudy{}
	case ActionImportRecords:
		action = &ImportRecords{}
	case ActionAddMatch:
		action = &AddMatch{}
	case ActionRemoveMatch:
		action = &RemoveMatch{}
	case ActionUpdateMatch:
		action = &UpdateMatch{}
	case ActionGoToRecord:
		action = &GoToRecord{}
	case ActionSetStep:
		action = &SetStep{}
	case ActionSetProcessing:
		action = &SetProcessing{}
	case ActionNextRecord:
		return NextRecord{}, nil
	case ActionPrevRecord:
		return PrevRecord{}, nil
	case ActionCompleteSession:
		return CompleteSession{}, nil
	case ActionReset:
		return Reset{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAction, env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, action); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", env.Type, err)
		}
	}
	return deref(action), nil
}

// deref turns a pointer action back into the value type the reducer switches on.
func deref(action Action) Action {
	switch a := action.(type) {
	case *SetStudy:
		return valueOf(a)
	case *ImportRecords:
		return valueOf(a)
	case *AddMatch:
		return valueOf(a)
	case *RemoveMatch:
		return valueOf(a)
	case *UpdateMatch:
		return valueOf(a)
	case *GoToRecord:
		return valueOf(a)
	case *SetStep:
		return valueOf(a)
	case *SetProcessing:
		return valueOf(a)
	case *NextRecord:
		return valueOf(a)
	case *PrevRecord:
		return valueOf(a)
	case *CompleteSession:
		return valueOf(a)
	case *Reset:
		return valueOf(a)
	default:
		return action
	}
}

// valueOf dereferences p. A nil pointer yields a nil Action, which the reducer ignores.
func valueOf[T Action](p *T) Action {
	if p == nil {
		return nil
	}
	return *p
}
