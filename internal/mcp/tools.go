package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/importer"
	"github.com/irt-reconciliation-engine/internal/ledger"
	"github.com/irt-reconciliation-engine/internal/session"
)

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func prop(typ, description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: typ, Description: description}
}

func enumProp(description string, values ...string) *jsonschema.Schema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &jsonschema.Schema{Type: "string", Description: description, Enum: enum}
}

var sessionIDProp = prop("string", "Reconciliation session identifier")

func (s *LiteServer) toolDefs() []toolDef {
	return []toolDef{
		{
			tool: &mcp.Tool{
				Name:        "create_session",
				Description: "Start a new reconciliation session",
				InputSchema: objectSchema(nil, nil),
			},
			handle: s.createSession,
		},
		{
			tool: &mcp.Tool{
				Name:        "select_study",
				Description: "Select the study whose referrals are matched against imported IRT records",
				InputSchema: objectSchema([]string{"session_id", "study_id"}, map[string]*jsonschema.Schema{
					"session_id": sessionIDProp,
					"study_id":   prop("string", "Study identifier"),
				}),
			},
			handle: s.selectStudy,
		},
		{
			tool: &mcp.Tool{
				Name:        "import_records",
				Description: "Import IRT subject records from a CSV file path, inline CSV text, or a JSON record list",
				InputSchema: objectSchema([]string{"session_id"}, map[string]*jsonschema.Schema{
					"session_id": sessionIDProp,
					"file_path":  prop("string", "Path to an IRT CSV export"),
					"csv":        prop("string", "Inline CSV content with a header row"),
					"file_name":  prop("string", "File name recorded for inline content"),
					"records":    {Type: "array", Description: "IRT records as objects", Items: &jsonschema.Schema{Type: "object"}},
				}),
			},
			handle: s.importRecords,
		},
		{
			tool: &mcp.Tool{
				Name:        "get_candidates",
				Description: "Rank the candidate referrals for the current IRT record",
				InputSchema: objectSchema([]string{"session_id"}, map[string]*jsonschema.Schema{
					"session_id": sessionIDProp,
				}),
			},
			handle: s.getCandidates,
		},
		{
			tool: &mcp.Tool{
				Name:        "record_decision",
				Description: "Record a decision for the current record: a ranked candidate, a manual referral, or no match",
				InputSchema: objectSchema([]string{"session_id"}, map[string]*jsonschema.Schema{
					"session_id":  sessionIDProp,
					"rank":        prop("integer", "1-based rank of the candidate returned by get_candidates"),
					"referral_id": prop("string", "Referral chosen manually from the study pool"),
					"no_match":    prop("boolean", "Mark the record as having no matching referral"),
				}),
			},
			handle: s.recordDecision,
		},
		{
			tool: &mcp.Tool{
				Name:        "navigate",
				Description: "Move through the session: next, prev, goto an index, change step, or complete",
				InputSchema: objectSchema([]string{"session_id", "action"}, map[string]*jsonschema.Schema{
					"session_id": sessionIDProp,
					"action":     enumProp("Navigation action", "next", "prev", "goto", "step", "complete"),
					"index":      prop("integer", "Target record index for goto"),
					"step":       enumProp("Target step for step", "import", "review", "match", "summary"),
				}),
			},
			handle: s.navigate,
		},
		{
			tool: &mcp.Tool{
				Name:        "session_summary",
				Description: "Summarize decisions recorded so far",
				InputSchema: objectSchema([]string{"session_id"}, map[string]*jsonschema.Schema{
					"session_id": sessionIDProp,
				}),
			},
			handle: s.sessionSummary,
		},
		{
			tool: &mcp.Tool{
				Name:        "export_decisions",
				Description: "Write the decision ledger to the export directory and archive the session",
				InputSchema: objectSchema([]string{"session_id"}, map[string]*jsonschema.Schema{
					"session_id":         sessionIDProp,
					"format":             enumProp("Export format", "csv", "json", "yaml"),
					"include_unreviewed": prop("boolean", "Include records without a decision"),
				}),
			},
			handle: s.exportDecisions,
		},
	}
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

type selectStudyArgs struct {
	SessionID string `json:"session_id"`
	StudyID   string `json:"study_id"`
}

type importArgs struct {
	SessionID string                  `json:"session_id"`
	FilePath  string                  `json:"file_path"`
	CSV       string                  `json:"csv"`
	FileName  string                  `json:"file_name"`
	Records   []domain.ImportedRecord `json:"records"`
}

type decisionArgs struct {
	SessionID  string `json:"session_id"`
	Rank       int    `json:"rank"`
	ReferralID string `json:"referral_id"`
	NoMatch    bool   `json:"no_match"`
}

type navigateArgs struct {
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Index     *int        `json:"index"`
	Step      domain.Step `json:"step"`
}

type exportArgs struct {
	SessionID         string `json:"session_id"`
	Format            string `json:"format"`
	IncludeUnreviewed bool   `json:"include_unreviewed"`
}

// sessionView is the compact state returned after mutating tools.
type sessionView struct {
	SessionID    string                 `json:"session_id"`
	StudyID      string                 `json:"study_id"`
	Step         domain.Step            `json:"step"`
	FileName     string                 `json:"file_name,omitempty"`
	CurrentIndex int                    `json:"current_index"`
	TotalRecords int                    `json:"total_records"`
	Current      *domain.ImportedRecord `json:"current_record,omitempty"`
	Summary      ledger.Summary         `json:"summary"`
}

func viewOf(id string, state domain.ReconciliationState) sessionView {
	view := sessionView{
		SessionID:    id,
		StudyID:      state.SelectedStudyID,
		Step:         state.Step,
		FileName:     state.FileName,
		CurrentIndex: state.CurrentIndex,
		TotalRecords: len(state.IRTRecords),
		Summary:      ledger.SummarizeState(state),
	}
	if record, ok := state.CurrentRecord(); ok {
		view.Current = &record
	}
	return view
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (s *LiteServer) lookup(id string) (*session.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.NewValidationError("session_id", "session id is required", "")
	}
	return s.sessions.Get(id)
}

func (s *LiteServer) createSession(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	sess := s.sessions.Create()
	return jsonResult(viewOf(sess.ID(), sess.Snapshot()))
}

func (s *LiteServer) selectStudy(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args selectStudyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return createErrorResult("Failed to parse arguments", err), nil
	}
	if strings.TrimSpace(args.StudyID) == "" {
		return createErrorResult("Study is required", domain.NewValidationError("study_id", "study id is required", "")), nil
	}
	if _, err := s.lookup(args.SessionID); err != nil {
		return createErrorResult("Session lookup failed", err), nil
	}
	state, err := s.sessions.SelectStudy(ctx, args.SessionID, args.StudyID)
	if err != nil {
		return createErrorResult("Failed to select study", err), nil
	}
	return jsonResult(viewOf(args.SessionID, state))
}

func (s *LiteServer) importRecords(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args importArgs
	if err := decodeArgs(raw, &args); err != nil {
		return createErrorResult("Failed to parse arguments", err), nil
	}
	if _, err := s.lookup(args.SessionID); err != nil {
		return createErrorResult("Session lookup failed", err), nil
	}

	var src domain.RecordSource
	switch {
	case args.FilePath != "":
		src = importer.NewCSVRecordSource(args.FilePath)
	case args.CSV != "":
		name := args.FileName
		if name == "" {
			name = "inline.csv"
		}
		src = importer.NewCSVRecordReader(strings.NewReader(args.CSV), name)
	case len(args.Records) > 0:
		src = session.StaticRecords{Records: args.Records, FileName: args.FileName}
	default:
		return createErrorResult("Nothing to import", domain.NewValidationError("file_path", "one of file_path, csv or records is required", "")), nil
	}

	state, err := s.sessions.Import(ctx, args.SessionID, src)
	if err != nil {
		return createErrorResult("Failed to import records", err), nil
	}
	return jsonResult(viewOf(args.SessionID, state))
}

func (s *LiteServer) getCandidates(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args sessionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return createErrorResult("Failed to parse arguments", err), nil
	}
	sess, err := s.lookup(args.SessionID)
	if err != nil {
		return createErrorResult("Session lookup failed", err), nil
	}
	candidates, err := sess.Candidates()
	if err != nil {
		return createErrorResult("Failed to rank candidates", err), nil
	}
	state := sess.Snapshot()
	record, _ := state.CurrentRecord()
	return jsonResult(map[string]interface{}{
		"index":      state.CurrentIndex,
		"record":     record,
		"candidates": candidates,
	})
}

func (s *LiteServer) recordDecision(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args decisionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return createErrorResult("Failed to parse arguments", err), nil
	}
	sess, err := s.lookup(args.SessionID)
	if err != nil {
		return createErrorResult("Session lookup failed", err), nil
	}

	chosen := 0
	for _, set := range []bool{args.Rank != 0, args.ReferralID != "", args.NoMatch} {
		if set {
			chosen++
		}
	}
	if chosen != 1 {
		return createErrorResult("Invalid decision", domain.NewValidationError("decision", "exactly one of rank, referral_id or no_match is required", "")), nil
	}

	var decision domain.ReconciliationMatch
	switch {
	case args.NoMatch:
		decision, err = sess.RecordNoMatch()
	case args.ReferralID != "":
		decision, err = sess.RecordManualMatch(args.ReferralID)
	default:
		decision, err = sess.RecordMatch(args.Rank)
	}
	if err != nil {
		return createErrorResult("Failed to record decision", err), nil
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID(),
		"record_id":  decision.IRTRecord.ID,
		"score":      decision.ConfidenceScore,
	}).Debug("Decision recorded")

	return jsonResult(map[string]interface{}{
		"decision": decision,
		"session":  viewOf(sess.ID(), sess.Snapshot()),
	})
}

func (s *LiteServer) navigate(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args navigateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return createErrorResult("Failed to parse arguments", err), nil
	}
	sess, err := s.lookup(args.SessionID)
	if err != nil {
		return createErrorResult("Session lookup failed", err), nil
	}

	var action session.Action
	switch strings.ToLower(args.Action) {
	case "next":
		action = session.NextRecord{}
	case "prev":
		action = session.PrevRecord{}
	case "goto":
		if args.Index == nil {
			return createErrorResult("Invalid navigation", domain.NewValidationError("index", "index is required for goto", "")), nil
		}
		action = session.GoToRecord{Index: *args.Index}
	case "step":
		if !args.Step.IsValid() {
			return createErrorResult("Invalid navigation", domain.ErrInvalidStep), nil
		}
		action = session.SetStep{Step: args.Step}
	case "complete":
		action = session.CompleteSession{}
	default:
		return createErrorResult("Invalid navigation", domain.NewValidationError("action", "unknown navigation action", args.Action)), nil
	}

	state := sess.Dispatch(action)
	return jsonResult(viewOf(sess.ID(), state))
}

func (s *LiteServer) sessionSummary(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args sessionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return createErrorResult("Failed to parse arguments", err), nil
	}
	sess, err := s.lookup(args.SessionID)
	if err != nil {
		return createErrorResult("Session lookup failed", err), nil
	}
	return jsonResult(ledger.SummarizeState(sess.Snapshot()))
}

// exportDecisions writes the ledger under the export directory and archives the session.
func (s *LiteServer) exportDecisions(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args exportArgs
	if err := decodeArgs(raw, &args); err != nil {
		return createErrorResult("Failed to parse arguments", err), nil
	}
	sess, err := s.lookup(args.SessionID)
	if err != nil {
		return createErrorResult("Session lookup failed", err), nil
	}
	format, err := ledger.ParseFormat(args.Format)
	if err != nil {
		return createErrorResult("Invalid export format", err), nil
	}

	state := sess.Snapshot()
	rows := ledger.BuildRows(state, ledger.ExportOptions{IncludeUnreviewed: args.IncludeUnreviewed})

	var buf bytes.Buffer
	if err := ledger.Export(&buf, format, rows); err != nil {
		return createErrorResult("Failed to render export", err), nil
	}

	dir := s.config.ExportDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return createErrorResult("Failed to create export directory", err), nil
	}
	path := filepath.Join(dir, exportFileName(sess.ID(), state.SelectedStudyID, format, time.Now()))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return createErrorResult("Failed to write export", err), nil
	}

	archived := false
	if s.archive != nil {
		if err := s.archive.Save(ctx, ledger.NewArchiveRecord(sess.ID(), state)); err != nil {
			s.logger.WithError(err).WithField("session_id", sess.ID()).Warn("Failed to archive exported session")
		} else {
			archived = true
		}
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID(),
		"study_id":   state.SelectedStudyID,
		"format":     format,
		"rows":       len(rows),
		"path":       path,
	}).Info("Decision ledger exported")

	return jsonResult(map[string]interface{}{
		"path":     path,
		"format":   format,
		"rows":     len(rows),
		"archived": archived,
		"summary":  ledger.SummarizeState(state),
	})
}

func exportFileName(sessionID, studyID string, format ledger.Format, now time.Time) string {
	study := strings.TrimSpace(studyID)
	if study == "" {
		study = "session"
	}
	study = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, study)
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("reconciliation-%s-%s-%s.%s", study, now.UTC().Format("20060102"), short, format.Extension())
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return createErrorResult("Failed to encode result", err), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

func createErrorResult(message string, err error) *mcp.CallToolResult {
	text := message
	if err != nil {
		text = fmt.Sprintf("Error: %s - %v", message, err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
