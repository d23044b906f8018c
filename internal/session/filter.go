package session

import (
	"github.com/irt-reconciliation-engine/internal/domain"
)

// RecordView is one row of the review list.
type RecordView struct {
	Index         int                         `json:"index"`
	Record        domain.ImportedRecord       `json:"record"`
	Decision      *domain.ReconciliationMatch `json:"decision,omitempty"`
	Status        domain.MatchStatus          `json:"status"`
	MissingFields []string                    `json:"missing_fields,omitempty"`
	IsCurrent     bool                        `json:"is_current"`
}

// FilterRecords lists the records selected by filter, in import order.
func FilterRecords(state domain.ReconciliationState, filter domain.RecordFilter) []RecordView {
	decisions := make(map[string]domain.ReconciliationMatch, len(state.Matches))
	for _, m := range state.Matches {
		decisions[m.IRTRecord.ID] = m
	}

	views := make([]RecordView, 0, len(state.IRTRecords))
	for i, record := range state.IRTRecords {
		view := RecordView{
			Index:         i,
			Record:        record,
			Status:        domain.StatusNotReviewed,
			MissingFields: record.MissingFields(),
			IsCurrent:     i == state.CurrentIndex,
		}
		if decision, ok := decisions[record.ID]; ok {
			decision := decision
			view.Decision = &decision
			view.Status = domain.StatusMatched
			if decision.IsNoMatch() {
				view.Status = domain.StatusNoMatch
			}
		}

		if includeView(view, filter) {
			views = append(views, view)
		}
	}
	return views
}

func includeView(view RecordView, filter domain.RecordFilter) bool {
	switch filter {
	case domain.FilterDecided:
		return view.Decision != nil
	case domain.FilterMatched:
		return view.Status == domain.StatusMatched
	case domain.FilterNoMatch:
		return view.Status == domain.StatusNoMatch
	case domain.FilterUndecided:
		return view.Decision == nil
	case domain.FilterInvalid:
		return len(view.MissingFields) > 0
	default:
		return true
	}
}
