package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irt-reconciliation-engine/internal/config"
	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/importer"
	"github.com/irt-reconciliation-engine/internal/ledger"
)

const referralsCSV = `id,study_id,first_name,last_name,date_of_birth,site_number,updated_at
ref-ana,study-1,Ana,Lopez,1980-05-12,101,2024-03-01
ref-bo,study-1,Bo,Chen,1975-11-30,102,2024-02-01
`

const irtCSV = `Subject ID,Date of Birth,First Name,Last Name,Site Number
101-001,1980-05-12,Ana,Lopez,101
102-001,1975-11-30,Bo,Chen,102
`

func newTestServer(t *testing.T) (*LiteServer, *config.LiteConfig) {
	t.Helper()

	cfg := config.DefaultLiteConfig()
	cfg.DataDir = t.TempDir()

	logger, _ := test.NewNullLogger()
	source, err := importer.NewCSVCandidateSourceFromReader(strings.NewReader(referralsCSV), logger)
	require.NoError(t, err)

	server, err := NewLiteServer(cfg, WithLogger(logger), WithCandidateSource(source))
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server, cfg
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func call[T any](t *testing.T, s *LiteServer, tool string, args interface{}) T {
	t.Helper()
	result, err := s.Call(context.Background(), tool, args)
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out T
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	return out
}

func callError(t *testing.T, s *LiteServer, tool string, args interface{}) string {
	t.Helper()
	result, err := s.Call(context.Background(), tool, args)
	require.NoError(t, err)
	require.True(t, result.IsError, "expected an error result")
	return resultText(t, result)
}

func TestNewLiteServer(t *testing.T) {
	server, cfg := newTestServer(t)

	assert.NotNil(t, server.mcpServer)
	assert.NotNil(t, server.sessions)
	assert.Equal(t, []string{
		"create_session", "select_study", "import_records", "get_candidates",
		"record_decision", "navigate", "session_summary", "export_decisions",
	}, server.ToolNames())

	_, err := os.Stat(cfg.ArchiveDBPath())
	assert.NoError(t, err, "archive database is created in the data directory")
}

func TestToolSchemas(t *testing.T) {
	server, _ := newTestServer(t)

	for _, def := range server.toolDefs() {
		t.Run(def.tool.Name, func(t *testing.T) {
			require.NotNil(t, def.tool.InputSchema)
			assert.Equal(t, "object", def.tool.InputSchema.Type)
			assert.NotEmpty(t, def.tool.Description)
			for _, name := range def.tool.InputSchema.Required {
				assert.Contains(t, def.tool.InputSchema.Properties, name)
			}
		})
	}
}

func TestReconciliationTools(t *testing.T) {
	server, cfg := newTestServer(t)

	created := call[sessionView](t, server, "create_session", nil)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, domain.StepImport, created.Step)
	id := created.SessionID

	selected := call[sessionView](t, server, "select_study", map[string]string{"session_id": id, "study_id": "study-1"})
	assert.Equal(t, "study-1", selected.StudyID)

	imported := call[sessionView](t, server, "import_records", map[string]string{
		"session_id": id, "csv": irtCSV, "file_name": "irt.csv",
	})
	assert.Equal(t, 2, imported.TotalRecords)
	assert.Equal(t, "irt.csv", imported.FileName)

	call[sessionView](t, server, "navigate", map[string]string{"session_id": id, "action": "step", "step": "match"})

	candidates := call[struct {
		Index      int                     `json:"index"`
		Candidates []domain.MatchCandidate `json:"candidates"`
	}](t, server, "get_candidates", map[string]string{"session_id": id})
	require.NotEmpty(t, candidates.Candidates)
	assert.Equal(t, "ref-ana", candidates.Candidates[0].ReferralID)
	assert.Equal(t, 85, candidates.Candidates[0].ConfidenceScore)

	decided := call[struct {
		Decision domain.ReconciliationMatch `json:"decision"`
		Session  sessionView                `json:"session"`
	}](t, server, "record_decision", map[string]interface{}{"session_id": id, "rank": 1})
	require.NotNil(t, decided.Decision.ReferralID)
	assert.Equal(t, "ref-ana", *decided.Decision.ReferralID)
	assert.Equal(t, 1, decided.Session.CurrentIndex)

	call[struct{}](t, server, "record_decision", map[string]interface{}{"session_id": id, "no_match": true})

	summary := call[ledger.Summary](t, server, "session_summary", map[string]string{"session_id": id})
	assert.Equal(t, ledger.Summary{Total: 2, Matched: 1, NoMatch: 1, AverageConfidence: 85}, summary)

	exported := call[struct {
		Path     string `json:"path"`
		Rows     int    `json:"rows"`
		Archived bool   `json:"archived"`
	}](t, server, "export_decisions", map[string]string{"session_id": id, "format": "csv"})
	assert.Equal(t, 2, exported.Rows)
	assert.True(t, exported.Archived)
	assert.Equal(t, cfg.ExportDir(), filepath.Dir(exported.Path))

	data, err := os.ReadFile(exported.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ref-ana")

	record, err := server.Archive().Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "study-1", record.StudyID)
}

func TestNavigateTool(t *testing.T) {
	server, _ := newTestServer(t)
	id := call[sessionView](t, server, "create_session", nil).SessionID
	call[sessionView](t, server, "select_study", map[string]string{"session_id": id, "study_id": "study-1"})
	call[sessionView](t, server, "import_records", map[string]string{"session_id": id, "csv": irtCSV})

	view := call[sessionView](t, server, "navigate", map[string]interface{}{"session_id": id, "action": "goto", "index": 1})
	assert.Equal(t, 1, view.CurrentIndex)

	view = call[sessionView](t, server, "navigate", map[string]string{"session_id": id, "action": "prev"})
	assert.Equal(t, 0, view.CurrentIndex)

	view = call[sessionView](t, server, "navigate", map[string]string{"session_id": id, "action": "complete"})
	assert.Equal(t, domain.StepSummary, view.Step)

	assert.Contains(t, callError(t, server, "navigate", map[string]string{"session_id": id, "action": "goto"}), "index")
	assert.Contains(t, callError(t, server, "navigate", map[string]string{"session_id": id, "action": "jump"}), "unknown navigation action")
	assert.Contains(t, callError(t, server, "navigate", map[string]string{"session_id": id, "action": "step", "step": "done"}), "invalid step")
}

func TestToolErrors(t *testing.T) {
	server, _ := newTestServer(t)
	id := call[sessionView](t, server, "create_session", nil).SessionID

	tests := []struct {
		name     string
		tool     string
		args     interface{}
		contains string
	}{
		{"missing session id", "session_summary", map[string]string{}, "session id is required"},
		{"unknown session", "session_summary", map[string]string{"session_id": "nope"}, "Session lookup failed"},
		{"missing study", "select_study", map[string]string{"session_id": id}, "study id is required"},
		{"nothing to import", "import_records", map[string]string{"session_id": id}, "one of file_path, csv or records"},
		{"import before study", "import_records", map[string]string{"session_id": id, "csv": irtCSV}, "Failed to import records"},
		{"ambiguous decision", "record_decision", map[string]interface{}{"session_id": id, "rank": 1, "no_match": true}, "exactly one"},
		{"decision outside match step", "record_decision", map[string]interface{}{"session_id": id, "no_match": true}, "Failed to record decision"},
		{"bad export format", "export_decisions", map[string]string{"session_id": id, "format": "xml"}, "Invalid export format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := callError(t, server, tt.tool, tt.args)
			assert.True(t, strings.HasPrefix(text, "Error: "), text)
			assert.Contains(t, text, tt.contains)
		})
	}

	_, err := server.Call(context.Background(), "delete_everything", nil)
	assert.Error(t, err)
}

func TestCreateErrorResult(t *testing.T) {
	result := createErrorResult("Failed to import records", domain.ErrStudyNotSelected)
	assert.True(t, result.IsError)
	assert.Equal(t, "Error: Failed to import records - "+domain.ErrStudyNotSelected.Error(), resultText(t, result))

	result = createErrorResult("plain", nil)
	assert.Equal(t, "plain", resultText(t, result))
}

func TestLiteServerLogLevel(t *testing.T) {
	cfg := config.DefaultLiteConfig()
	cfg.DataDir = t.TempDir()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "text"

	server, err := NewLiteServer(cfg)
	require.NoError(t, err)
	defer server.Close()

	assert.Equal(t, logrus.DebugLevel, server.logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, server.logger.Formatter)
}
