package ledger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// Format selects the export serialization.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat resolves a format name. An empty name means CSV.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidFormat, name)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	default:
		return "text/csv"
	}
}

// Extension returns the file extension for the format, without the dot.
func (f Format) Extension() string {
	return string(f)
}

// Header is the export column order. Consumers rely on it.
var Header = []string{
	"IRT Subject ID",
	"IRT DOB",
	"IRT ICF Date",
	"Referral ID",
	"Referral Name",
	"Referral DOB",
	"Confidence Score",
	"Match Status",
}

// Row is one exported decision.
type Row struct {
	IRTSubjectID        string             `json:"irt_subject_id" yaml:"irt_subject_id"`
	IRTDateOfBirth      string             `json:"irt_dob" yaml:"irt_dob"`
	IRTICFDate          string             `json:"irt_icf_date" yaml:"irt_icf_date"`
	ReferralID          string             `json:"referral_id" yaml:"referral_id"`
	ReferralName        string             `json:"referral_name" yaml:"referral_name"`
	ReferralDateOfBirth string             `json:"referral_dob" yaml:"referral_dob"`
	ConfidenceScore     int                `json:"confidence_score" yaml:"confidence_score"`
	MatchStatus         domain.MatchStatus `json:"match_status" yaml:"match_status"`
}

// Values returns the row's cells in Header order.
func (r Row) Values() []string {
	score := strconv.Itoa(r.ConfidenceScore)
	if r.MatchStatus == domain.StatusNotReviewed {
		score = ""
	}
	return []string{
		r.IRTSubjectID,
		r.IRTDateOfBirth,
		r.IRTICFDate,
		r.ReferralID,
		r.ReferralName,
		r.ReferralDateOfBirth,
		score,
		string(r.MatchStatus),
	}
}

// ExportOptions controls which records become rows.
type ExportOptions struct {
	// IncludeUnreviewed adds a "Not Reviewed" row for every record without a decision.
	IncludeUnreviewed bool
}

// BuildRows renders decisions in record order.
func BuildRows(state domain.ReconciliationState, opts ExportOptions) []Row {
	rows := make([]Row, 0, len(state.IRTRecords))
	for _, record := range state.IRTRecords {
		decision, ok := state.DecisionFor(record.ID)
		if !ok {
			if opts.IncludeUnreviewed {
				rows = append(rows, Row{
					IRTSubjectID:   record.SubjectID,
					IRTDateOfBirth: record.DateOfBirth,
					IRTICFDate:     record.ICFSignDate,
					MatchStatus:    domain.StatusNotReviewed,
				})
			}
			continue
		}
		rows = append(rows, rowFor(decision))
	}
	return rows
}

func rowFor(m domain.ReconciliationMatch) Row {
	row := Row{
		IRTSubjectID:    m.IRTRecord.SubjectID,
		IRTDateOfBirth:  m.IRTRecord.DateOfBirth,
		IRTICFDate:      m.IRTRecord.ICFSignDate,
		ConfidenceScore: m.ConfidenceScore,
		MatchStatus:     domain.StatusMatched,
	}
	if m.IsNoMatch() {
		row.MatchStatus = domain.StatusNoMatch
		return row
	}
	row.ReferralID = *m.ReferralID
	if m.Referral != nil {
		row.ReferralName = m.Referral.FullName()
		row.ReferralDateOfBirth = m.Referral.DateOfBirth
	}
	return row
}

// WriteCSV writes the header followed by one line per row.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row.Values()); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes rows as an indented JSON array.
func WriteJSON(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rows)
}

// WriteYAML writes rows as a YAML sequence.
func WriteYAML(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(rows); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return encoder.Close()
}

// Export writes rows in the given format.
func Export(w io.Writer, format Format, rows []Row) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, rows)
	case FormatJSON:
		return WriteJSON(w, rows)
	case FormatYAML:
		return WriteYAML(w, rows)
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidFormat, format)
	}
}
