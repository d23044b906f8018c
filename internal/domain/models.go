package domain

import (
	"strings"
	"time"
)

// ImportedRecord is one subject row exported from the IRT system.
type ImportedRecord struct {
	ID             string `json:"id" yaml:"id"`
	SubjectID      string `json:"subject_id" yaml:"subject_id"`
	DateOfBirth    string `json:"date_of_birth" yaml:"date_of_birth"`
	Initials       string `json:"initials,omitempty" yaml:"initials,omitempty"`
	FirstName      string `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	ICFSignDate    string `json:"icf_sign_date,omitempty" yaml:"icf_sign_date,omitempty"`
	EnrollmentDate string `json:"enrollment_date,omitempty" yaml:"enrollment_date,omitempty"`
	ScreeningDate  string `json:"screening_date,omitempty" yaml:"screening_date,omitempty"`
	SiteNumber     string `json:"site_number,omitempty" yaml:"site_number,omitempty"`
}

// MissingFields lists the required fields that are blank. A record with missing fields
// still enters the review stream.
func (r ImportedRecord) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(r.SubjectID) == "" {
		missing = append(missing, "subject_id")
	}
	if strings.TrimSpace(r.DateOfBirth) == "" {
		missing = append(missing, "date_of_birth")
	}
	return missing
}

// IsValid reports whether the record carries every required field.
func (r ImportedRecord) IsValid() bool {
	return len(r.MissingFields()) == 0
}

// CandidateReferral is a pre-existing referral scoped to one study. Read-only to the engine.
type CandidateReferral struct {
	ID                string    `json:"id" yaml:"id"`
	StudyID           string    `json:"study_id" yaml:"study_id"`
	FirstName         string    `json:"first_name" yaml:"first_name"`
	LastName          string    `json:"last_name" yaml:"last_name"`
	DateOfBirth       string    `json:"date_of_birth,omitempty" yaml:"date_of_birth,omitempty"`
	AppointmentDate   string    `json:"appointment_date,omitempty" yaml:"appointment_date,omitempty"`
	ConsentSignedDate string    `json:"consent_signed_date,omitempty" yaml:"consent_signed_date,omitempty"`
	SiteNumber        string    `json:"site_number,omitempty" yaml:"site_number,omitempty"`
	SiteName          string    `json:"site_name,omitempty" yaml:"site_name,omitempty"`
	Status            string    `json:"status,omitempty" yaml:"status,omitempty"`
	UpdatedAt         time.Time `json:"updated_at" yaml:"updated_at"`
}

// FullName joins first and last name with a single space.
func (c CandidateReferral) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// MatchCriterionResult is the outcome of one comparator for one record/candidate pair.
// Weight is the number of points awarded and is zero when Matched is false.
type MatchCriterionResult struct {
	Criterion Criterion `json:"criterion" yaml:"criterion"`
	Matched   bool      `json:"matched" yaml:"matched"`
	Weight    int       `json:"weight" yaml:"weight"`
	Details   string    `json:"details" yaml:"details"`
}

// MatchCandidate is a scored referral for one imported record.
type MatchCandidate struct {
	ReferralID      string                 `json:"referral_id" yaml:"referral_id"`
	Referral        CandidateReferral      `json:"referral" yaml:"referral"`
	ConfidenceScore int                    `json:"confidence_score" yaml:"confidence_score"`
	Band            ConfidenceBand         `json:"band" yaml:"band"`
	MatchReasons    []MatchCriterionResult `json:"match_reasons" yaml:"match_reasons"`
}

// ReconciliationMatch is an operator decision. A nil ReferralID is an explicit no-match,
// distinct from a record that has no decision at all.
type ReconciliationMatch struct {
	ID              string             `json:"id" yaml:"id"`
	IRTRecord       ImportedRecord     `json:"irt_record" yaml:"irt_record"`
	ReferralID      *string            `json:"referral_id" yaml:"referral_id"`
	Referral        *CandidateReferral `json:"referral,omitempty" yaml:"referral,omitempty"`
	MatchedAt       time.Time          `json:"matched_at" yaml:"matched_at"`
	ConfidenceScore int                `json:"confidence_score" yaml:"confidence_score"`
	IsManual        bool               `json:"is_manual" yaml:"is_manual"`
}

// IsNoMatch reports whether the decision records an explicit no-match.
func (m ReconciliationMatch) IsNoMatch() bool {
	return m.ReferralID == nil
}

// ReconciliationState is the full snapshot of a review session.
type ReconciliationState struct {
	Step            Step                  `json:"step"`
	SelectedStudyID string                `json:"selected_study_id"`
	FileName        string                `json:"file_name"`
	IRTRecords      []ImportedRecord      `json:"irt_records"`
	Matches         []ReconciliationMatch `json:"matches"`
	CurrentIndex    int                   `json:"current_index"`
	IsProcessing    bool                  `json:"is_processing"`
}

// CurrentRecord returns the record under review, if any.
func (s ReconciliationState) CurrentRecord() (ImportedRecord, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.IRTRecords) {
		return ImportedRecord{}, false
	}
	return s.IRTRecords[s.CurrentIndex], true
}

// DecisionFor returns the decision recorded for the given record id.
func (s ReconciliationState) DecisionFor(recordID string) (ReconciliationMatch, bool) {
	for _, m := range s.Matches {
		if m.IRTRecord.ID == recordID {
			return m, true
		}
	}
	return ReconciliationMatch{}, false
}

// RecordIndex returns the import position of a record, or -1.
func (s ReconciliationState) RecordIndex(recordID string) int {
	for i, r := range s.IRTRecords {
		if r.ID == recordID {
			return i
		}
	}
	return -1
}

// IsLastRecord reports whether the cursor sits on the final record.
func (s ReconciliationState) IsLastRecord() bool {
	return len(s.IRTRecords) > 0 && s.CurrentIndex == len(s.IRTRecords)-1
}
