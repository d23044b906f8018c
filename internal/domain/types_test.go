package domain

import (
	"testing"
)

func TestStepConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    Step
		expected string
	}{
		{"Import", StepImport, "import"},
		{"Review", StepReview, "review"},
		{"Match", StepMatch, "match"},
		{"Summary", StepSummary, "summary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.value.String())
			}
			if !tt.value.IsValid() {
				t.Errorf("Expected %s to be valid", tt.value)
			}
		})
	}

	if Step("done").IsValid() {
		t.Error("Unknown step should not be valid")
	}
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score    int
		expected ConfidenceBand
	}{
		{100, BandHigh},
		{80, BandHigh},
		{79, BandMedium},
		{65, BandMedium},
		{50, BandMedium},
		{49, BandLow},
		{20, BandLow},
		{19, BandVeryLow},
		{0, BandVeryLow},
	}

	for _, tt := range tests {
		if got := BandFor(tt.score); got != tt.expected {
			t.Errorf("BandFor(%d) = %s, expected %s", tt.score, got, tt.expected)
		}
	}
}

func TestParseRecordFilter(t *testing.T) {
	f, err := ParseRecordFilter("")
	if err != nil || f != FilterAll {
		t.Errorf("Expected empty filter to default to all, got %q (%v)", f, err)
	}

	f, err = ParseRecordFilter("undecided")
	if err != nil || f != FilterUndecided {
		t.Errorf("Expected undecided, got %q (%v)", f, err)
	}

	if _, err := ParseRecordFilter("pending"); err == nil {
		t.Error("Expected error for unknown filter")
	}
}

func TestImportedRecordMissingFields(t *testing.T) {
	complete := ImportedRecord{SubjectID: "001-0001", DateOfBirth: "1968-03-15"}
	if !complete.IsValid() {
		t.Errorf("Expected complete record to be valid, missing %v", complete.MissingFields())
	}

	partial := ImportedRecord{SubjectID: "  "}
	missing := partial.MissingFields()
	if len(missing) != 2 || missing[0] != "subject_id" || missing[1] != "date_of_birth" {
		t.Errorf("Unexpected missing fields: %v", missing)
	}
}

func TestReconciliationStateHelpers(t *testing.T) {
	state := ReconciliationState{
		IRTRecords: []ImportedRecord{{ID: "a"}, {ID: "b"}},
		Matches:    []ReconciliationMatch{{ID: "m1", IRTRecord: ImportedRecord{ID: "b"}}},
	}

	if rec, ok := state.CurrentRecord(); !ok || rec.ID != "a" {
		t.Errorf("Expected current record a, got %v (%v)", rec.ID, ok)
	}
	if state.RecordIndex("b") != 1 || state.RecordIndex("zzz") != -1 {
		t.Error("RecordIndex returned unexpected position")
	}
	if _, ok := state.DecisionFor("a"); ok {
		t.Error("Record a should not have a decision")
	}
	if m, ok := state.DecisionFor("b"); !ok || !m.IsNoMatch() {
		t.Error("Record b should have a no-match decision")
	}

	state.CurrentIndex = 1
	if !state.IsLastRecord() {
		t.Error("Expected cursor on last record")
	}
}
