// Package domain contains the core entities of IRT reconciliation: records imported from an
// Interactive Response Technology system, the study-scoped referrals they are linked to, and
// the decisions an operator records while reviewing them.
package domain

import (
	"errors"
)

// Step represents the stage of a reconciliation session.
type Step string

const (
	StepImport  Step = "import"
	StepReview  Step = "review"
	StepMatch   Step = "match"
	StepSummary Step = "summary"
)

// ConfidenceBand is the presentation label for a numeric confidence score.
type ConfidenceBand string

const (
	BandHigh    ConfidenceBand = "high"
	BandMedium  ConfidenceBand = "medium"
	BandLow     ConfidenceBand = "low"
	BandVeryLow ConfidenceBand = "very-low"
)

// Criterion identifies one matchable attribute.
type Criterion string

const (
	CriterionDateOfBirth Criterion = "date_of_birth"
	CriterionName        Criterion = "name"
	CriterionICFDate     Criterion = "icf_date"
	CriterionSite        Criterion = "site"
)

// MatchStatus is the label written to the export for a record.
type MatchStatus string

const (
	StatusMatched     MatchStatus = "Matched"
	StatusNoMatch     MatchStatus = "No Match"
	StatusNotReviewed MatchStatus = "Not Reviewed"
)

// RecordFilter selects a subset of imported records for review lists.
type RecordFilter string

const (
	FilterAll       RecordFilter = "all"
	FilterDecided   RecordFilter = "decided"
	FilterMatched   RecordFilter = "matched"
	FilterNoMatch   RecordFilter = "no-match"
	FilterUndecided RecordFilter = "undecided"
	FilterInvalid   RecordFilter = "invalid"
)

// Confidence score bounds and band thresholds.
const (
	MaxConfidence     = 100
	HighBandFloor     = 80
	MediumBandFloor   = 50
	LowBandFloor      = 20
	MaxShortcutRank   = 5
	DefaultICFWindow  = 3
	DefaultCandidates = 5
)

// Sentinel errors shared across packages.
var (
	ErrNotFound                = errors.New("not found")
	ErrSessionNotFound         = errors.New("reconciliation session not found")
	ErrStudyNotSelected        = errors.New("no study selected")
	ErrNoCurrentRecord         = errors.New("no current record")
	ErrCandidateRankOutOfRange = errors.New("candidate rank out of range")
	ErrUnknownAction           = errors.New("unknown action")
	ErrInvalidFormat           = errors.New("invalid export format")
	ErrInvalidStep             = errors.New("invalid step")
	ErrSourceUnavailable       = errors.New("candidate source unavailable")
)

// IsValid reports whether s is one of the four session steps.
func (s Step) IsValid() bool {
	switch s {
	case StepImport, StepReview, StepMatch, StepSummary:
		return true
	default:
		return false
	}
}

// String returns the string representation of the step.
func (s Step) String() string {
	return string(s)
}

// BandFor labels a confidence score. It never alters the score.
func BandFor(score int) ConfidenceBand {
	switch {
	case score >= HighBandFloor:
		return BandHigh
	case score >= MediumBandFloor:
		return BandMedium
	case score >= LowBandFloor:
		return BandLow
	default:
		return BandVeryLow
	}
}

// IsValid reports whether b is a known band label.
func (b ConfidenceBand) IsValid() bool {
	switch b {
	case BandHigh, BandMedium, BandLow, BandVeryLow:
		return true
	default:
		return false
	}
}

// String returns the string representation of the band.
func (b ConfidenceBand) String() string {
	return string(b)
}

// IsValid reports whether c is a known criterion.
func (c Criterion) IsValid() bool {
	switch c {
	case CriterionDateOfBirth, CriterionName, CriterionICFDate, CriterionSite:
		return true
	default:
		return false
	}
}

// String returns the string representation of the criterion.
func (c Criterion) String() string {
	return string(c)
}

// Label returns a human-readable criterion name for reports.
func (c Criterion) Label() string {
	switch c {
	case CriterionDateOfBirth:
		return "Date of Birth"
	case CriterionName:
		return "Name"
	case CriterionICFDate:
		return "ICF Date"
	case CriterionSite:
		return "Site"
	default:
		return string(c)
	}
}

// String returns the string representation of the status.
func (s MatchStatus) String() string {
	return string(s)
}

// IsValid reports whether f is a known record filter.
func (f RecordFilter) IsValid() bool {
	switch f {
	case FilterAll, FilterDecided, FilterMatched, FilterNoMatch, FilterUndecided, FilterInvalid:
		return true
	default:
		return false
	}
}

// ParseRecordFilter converts a query value into a RecordFilter. Empty input means FilterAll.
func ParseRecordFilter(value string) (RecordFilter, error) {
	if value == "" {
		return FilterAll, nil
	}
	f := RecordFilter(value)
	if !f.IsValid() {
		return "", NewValidationError("filter", "unknown record filter", value)
	}
	return f, nil
}
