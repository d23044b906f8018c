package service

import (
	"fmt"

	"github.com/agnivade/levenshtein"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// Criterion weights. A fully matched pair scores exactly 100. Date of birth and site carry
// the most weight since they are the least ambiguous attributes.
const (
	WeightDateOfBirth = 35
	WeightSite        = 30
	WeightFullName    = 20
	WeightInitials    = 10
	WeightICFDate     = 15
)

// CriterionRule is one comparator in the scoring pipeline.
type CriterionRule struct {
	Criterion   domain.Criterion
	MaxWeight   int
	Description string
	Evaluator   func(record NormalizedRecord, candidate NormalizedCandidate) domain.MatchCriterionResult
}

// DefaultCriterionRules returns the comparators in evaluation order.
func DefaultCriterionRules(icfToleranceDays int) []CriterionRule {
	if icfToleranceDays < 0 {
		icfToleranceDays = domain.DefaultICFWindow
	}
	return []CriterionRule{
		{
			Criterion:   domain.CriterionDateOfBirth,
			MaxWeight:   WeightDateOfBirth,
			Description: "Exact calendar date of birth",
			Evaluator:   ScoreDateOfBirth,
		},
		{
			Criterion:   domain.CriterionName,
			MaxWeight:   WeightFullName,
			Description: "Full name, or derived initials for partial credit",
			Evaluator:   ScoreName,
		},
		{
			Criterion:   domain.CriterionICFDate,
			MaxWeight:   WeightICFDate,
			Description: fmt.Sprintf("ICF date within %d days of appointment or consent", icfToleranceDays),
			Evaluator: func(record NormalizedRecord, candidate NormalizedCandidate) domain.MatchCriterionResult {
				return ScoreICFDate(record, candidate, icfToleranceDays)
			},
		},
		{
			Criterion:   domain.CriterionSite,
			MaxWeight:   WeightSite,
			Description: "Same site number or name",
			Evaluator:   ScoreSite,
		},
	}
}

// ScoreDateOfBirth awards full weight on exact equality. There is no partial credit.
func ScoreDateOfBirth(record NormalizedRecord, candidate NormalizedCandidate) domain.MatchCriterionResult {
	result := domain.MatchCriterionResult{Criterion: domain.CriterionDateOfBirth}

	if !record.DateOfBirth.Valid || !candidate.DateOfBirth.Valid {
		result.Details = "DOB unavailable"
		return result
	}
	if record.DateOfBirth.Equal(candidate.DateOfBirth) {
		result.Matched = true
		result.Weight = WeightDateOfBirth
		result.Details = fmt.Sprintf("DOB matches (%s)", record.DateOfBirth)
		return result
	}
	result.Details = fmt.Sprintf("DOB differs (%s vs %s)", record.DateOfBirth, candidate.DateOfBirth)
	return result
}

// ScoreName awards full weight for an exact first and last name match, otherwise partial
// weight when the initials agree. The two never add up.
func ScoreName(record NormalizedRecord, candidate NormalizedCandidate) domain.MatchCriterionResult {
	result := domain.MatchCriterionResult{Criterion: domain.CriterionName}

	recordHasName := record.FirstName != "" && record.LastName != ""
	candidateHasName := candidate.FirstName != "" && candidate.LastName != ""

	if recordHasName && candidateHasName &&
		record.FirstName == candidate.FirstName && record.LastName == candidate.LastName {
		result.Matched = true
		result.Weight = WeightFullName
		result.Details = "First and last name match"
		return result
	}

	if record.Initials != "" && candidate.Initials != "" && record.Initials == candidate.Initials {
		result.Matched = true
		result.Weight = WeightInitials
		result.Details = fmt.Sprintf("Initials match (%s)", record.Initials)
		return result
	}

	switch {
	case recordHasName && candidateHasName:
		distance := levenshtein.ComputeDistance(
			record.FirstName+" "+record.LastName,
			candidate.FirstName+" "+candidate.LastName,
		)
		result.Details = fmt.Sprintf("Name differs (edit distance %d)", distance)
	case record.Initials != "" && candidate.Initials != "":
		result.Details = fmt.Sprintf("Initials differ (%s vs %s)", record.Initials, candidate.Initials)
	default:
		result.Details = "Name unavailable"
	}
	return result
}

// ScoreICFDate matches when the record's consent date falls within toleranceDays of the
// candidate's appointment or consent-signed date.
func ScoreICFDate(record NormalizedRecord, candidate NormalizedCandidate, toleranceDays int) domain.MatchCriterionResult {
	result := domain.MatchCriterionResult{Criterion: domain.CriterionICFDate}

	consent := record.ConsentDate()
	if !consent.Valid {
		result.Details = "ICF date unavailable"
		return result
	}

	best := -1
	for _, d := range []CalendarDate{candidate.AppointmentDate, candidate.ConsentSignedDate} {
		if days, ok := consent.DaysBetween(d); ok && (best < 0 || days < best) {
			best = days
		}
	}

	switch {
	case best < 0:
		result.Details = "Referral appointment date unavailable"
	case best <= toleranceDays:
		result.Matched = true
		result.Weight = WeightICFDate
		result.Details = fmt.Sprintf("ICF date within %d day(s) of referral date", best)
	default:
		result.Details = fmt.Sprintf("ICF date %d days from referral date (tolerance %d)", best, toleranceDays)
	}
	return result
}

// ScoreSite matches when both sides resolve to the same site identifier or name.
func ScoreSite(record NormalizedRecord, candidate NormalizedCandidate) domain.MatchCriterionResult {
	result := domain.MatchCriterionResult{Criterion: domain.CriterionSite}

	if record.Site == "" || (candidate.SiteNumber == "" && candidate.SiteName == "") {
		result.Details = "Site unavailable"
		return result
	}
	if record.Site == candidate.SiteNumber || record.Site == candidate.SiteName {
		result.Matched = true
		result.Weight = WeightSite
		result.Details = fmt.Sprintf("Site matches (%s)", record.Source.SiteNumber)
		return result
	}
	result.Details = "Site differs"
	return result
}
