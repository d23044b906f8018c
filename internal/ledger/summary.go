// Package ledger turns reconciliation decisions into summaries, tabular exports and archived
// session records.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// Summary holds the completion counts shown when a session reaches the summary step.
type Summary struct {
	Total             int `json:"total" yaml:"total"`
	Matched           int `json:"matched" yaml:"matched"`
	NoMatch           int `json:"no_match" yaml:"no_match"`
	Skipped           int `json:"skipped" yaml:"skipped"`
	AverageConfidence int `json:"average_confidence" yaml:"average_confidence"`
}

// Summarize counts decisions against the number of imported records. The average confidence
// covers matched decisions only and is rounded half-up.
func Summarize(matches []domain.ReconciliationMatch, totalRecords int) Summary {
	summary := Summary{Total: totalRecords}

	var confidenceSum int64
	for _, m := range matches {
		if m.IsNoMatch() {
			summary.NoMatch++
			continue
		}
		summary.Matched++
		confidenceSum += int64(m.ConfidenceScore)
	}

	summary.Skipped = totalRecords - len(matches)
	if summary.Skipped < 0 {
		summary.Skipped = 0
	}

	if summary.Matched > 0 {
		avg := decimal.NewFromInt(confidenceSum).
			Div(decimal.NewFromInt(int64(summary.Matched))).
			Round(0)
		summary.AverageConfidence = int(avg.IntPart())
	}

	return summary
}

// SummarizeState is Summarize over a session snapshot.
func SummarizeState(state domain.ReconciliationState) Summary {
	return Summarize(state.Matches, len(state.IRTRecords))
}
