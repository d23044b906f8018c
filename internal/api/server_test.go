package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irt-reconciliation-engine/internal/batch"
	"github.com/irt-reconciliation-engine/internal/config"
	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/importer"
	"github.com/irt-reconciliation-engine/internal/ledger"
	"github.com/irt-reconciliation-engine/internal/service"
	"github.com/irt-reconciliation-engine/internal/session"
)

const referralsCSV = `id,study_id,first_name,last_name,date_of_birth,site_number,updated_at
ref-ana,study-1,Ana,Lopez,1980-05-12,101,2024-03-01
ref-bo,study-1,Bo,Chen,1975-11-30,102,2024-02-01
ref-cy,study-2,Cy,Diaz,1990-01-01,205,2024-01-01
`

const irtCSV = `Subject ID,Date of Birth,First Name,Last Name,Site Number
101-001,1980-05-12,Ana,Lopez,101
102-001,1975-11-30,Bo,Chen,102
`

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server  *Server
	archive ledger.Store
}

func newTestEnv(t *testing.T, withArchive bool) *testEnv {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("rate_limit:\n  enabled: false\n"), 0600))
	cfgManager, err := config.NewManagerFromFile(cfgPath)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	source, err := importer.NewCSVCandidateSourceFromReader(strings.NewReader(referralsCSV), logger)
	require.NoError(t, err)

	engine := service.NewMatchEngine(logger)
	services := Services{
		Sessions: session.NewManager(engine, source, logger),
		Batch:    batch.NewReconciler(engine, source, logger),
	}

	env := &testEnv{}
	if withArchive {
		store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "archive.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		services.Archive = store
		env.archive = store
	}

	env.server = NewServer(cfgManager, services, logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if _, isString := body.(string); !isString && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) doCSV(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/csv")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// matchingSession creates a session on study-1 with irtCSV imported and the match step open.
func (e *testEnv) matchingSession(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[SessionResponse](t, w).ID

	w = e.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/study", SelectStudyRequest{StudyID: "study-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.doCSV(t, "/api/v1/sessions/"+id+"/import?file_name=irt.csv", irtCSV)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/actions", `{"type":"SET_STEP","payload":{"step":"match"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestHealthComponents(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.services.HealthChecks = map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	}

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, HealthStateDegraded, resp.Status)
	require.Len(t, resp.Components, 2)
	assert.Equal(t, "database", resp.Components[0].Name)
	assert.Equal(t, HealthStateHealthy, resp.Components[0].Status)
	assert.Equal(t, "redis", resp.Components[1].Name)
	assert.Equal(t, HealthStateUnhealthy, resp.Components[1].Status)
	assert.Equal(t, "connection refused", resp.Components[1].Error)

	delete(env.server.services.HealthChecks, "redis")
	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReviewFlow(t *testing.T) {
	env := newTestEnv(t, true)
	base := "/api/v1/sessions/" + env.matchingSession(t)

	w := env.do(t, http.MethodGet, base, nil)
	resp := decode[SessionResponse](t, w)
	assert.Equal(t, domain.StepMatch, resp.State.Step)
	assert.Equal(t, "irt.csv", resp.State.FileName)
	require.Len(t, resp.State.IRTRecords, 2)

	w = env.do(t, http.MethodGet, base+"/candidates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	candidates := decode[struct {
		Index      int                     `json:"index"`
		Candidates []domain.MatchCandidate `json:"candidates"`
	}](t, w)
	assert.Equal(t, 0, candidates.Index)
	require.NotEmpty(t, candidates.Candidates)
	assert.Equal(t, "ref-ana", candidates.Candidates[0].ReferralID)
	assert.Equal(t, 85, candidates.Candidates[0].ConfidenceScore)

	w = env.do(t, http.MethodPost, base+"/decisions", DecisionRequest{Rank: 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decided := decode[struct {
		Decision domain.ReconciliationMatch `json:"decision"`
		State    domain.ReconciliationState `json:"state"`
	}](t, w)
	require.NotNil(t, decided.Decision.ReferralID)
	assert.Equal(t, "ref-ana", *decided.Decision.ReferralID)
	assert.Equal(t, 1, decided.State.CurrentIndex, "auto-advances")

	w = env.do(t, http.MethodPost, base+"/keys", session.KeyEvent{Key: "n"})
	require.Equal(t, http.StatusOK, w.Code)
	keyResp := decode[KeyResponse](t, w)
	assert.True(t, keyResp.Handled)
	assert.Equal(t, 1, keyResp.State.CurrentIndex, "stays on the last record")

	w = env.do(t, http.MethodGet, base+"/summary", nil)
	summary := decode[ledger.Summary](t, w)
	assert.Equal(t, ledger.Summary{Total: 2, Matched: 1, NoMatch: 1, AverageConfidence: 85}, summary)

	w = env.do(t, http.MethodGet, base+"/export?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "reconciliation-study-1-")
	assert.Contains(t, w.Body.String(), "IRT Subject ID,IRT DOB")
	assert.Contains(t, w.Body.String(), "101-001,1980-05-12,,ref-ana,Ana Lopez,1980-05-12,85,Matched")
	assert.Contains(t, w.Body.String(), "No Match")

	w = env.do(t, http.MethodGet, base+"/export?format=yaml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "referral_id: ref-ana")

	w = env.do(t, http.MethodPost, base+"/undo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	undone := decode[struct {
		Removed domain.ReconciliationMatch `json:"removed"`
	}](t, w)
	assert.True(t, undone.Removed.IsNoMatch())

	w = env.do(t, http.MethodGet, base+"/records?filter=undecided", nil)
	records := decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 1, records.Count)

	w = env.do(t, http.MethodGet, base+"/export?format=json&include_unreviewed=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []ledger.Row
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, domain.StatusNotReviewed, rows[1].MatchStatus)
}

func TestImportJSONAndMultipartErrors(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", nil)
	id := decode[SessionResponse](t, w).ID
	base := "/api/v1/sessions/" + id

	w = env.do(t, http.MethodPost, base+"/import", ImportRequest{FileName: "x.json", Records: []domain.ImportedRecord{{SubjectID: "1"}}})
	assert.Equal(t, http.StatusConflict, w.Code, "no study selected yet")

	w = env.do(t, http.MethodPut, base+"/study", SelectStudyRequest{StudyID: "study-2"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, base+"/import", ImportRequest{
		FileName: "x.json",
		Records:  []domain.ImportedRecord{{SubjectID: "205-001", DateOfBirth: "1990-01-01"}, {SubjectID: "205-002"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SessionResponse](t, w)
	assert.Equal(t, domain.StepReview, resp.State.Step)
	assert.Len(t, resp.State.IRTRecords, 2)
	assert.NotEmpty(t, resp.State.IRTRecords[0].ID, "ids are generated")

	w = env.doCSV(t, base+"/import", "first_name\nAna\n")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, false)
	base := "/api/v1/sessions/" + env.matchingSession(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown session", http.MethodGet, "/api/v1/sessions/missing", nil, http.StatusNotFound, domain.ErrCodeNotFound},
		{"two decision kinds", http.MethodPost, base + "/decisions", DecisionRequest{Rank: 1, NoMatch: true}, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"rank out of range", http.MethodPost, base + "/decisions", DecisionRequest{Rank: 5}, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"unknown referral", http.MethodPost, base + "/decisions", DecisionRequest{ReferralID: "ref-zz"}, http.StatusNotFound, domain.ErrCodeNotFound},
		{"bad export format", http.MethodGet, base + "/export?format=xml", nil, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"bad include flag", http.MethodGet, base + "/export?include_unreviewed=maybe", nil, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"bad filter", http.MethodGet, base + "/records?filter=bogus", nil, http.StatusBadRequest, domain.ErrCodeValidation},
		{"unknown action", http.MethodPost, base + "/actions", `{"type":"EXPLODE"}`, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"nothing to undo", http.MethodPost, base + "/undo", nil, http.StatusConflict, domain.ErrCodeInvalidInput},
		{"missing study id", http.MethodPut, base + "/study", map[string]string{}, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"archive not configured", http.MethodPost, base + "/archive", nil, http.StatusServiceUnavailable, domain.ErrCodeSourceUnavailable},
		{"empty batch", http.MethodPost, "/api/v1/batch", BatchRequest{Jobs: []batch.Job{}}, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"batch without study", http.MethodPost, "/api/v1/batch", BatchRequest{Jobs: []batch.Job{{}}}, http.StatusBadRequest, domain.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			apiErr := decode[domain.ReconciliationError](t, w)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.NotEmpty(t, apiErr.RequestID)
		})
	}
}

func TestDispatchedImportKeepsEveryDecision(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", nil)
	base := "/api/v1/sessions/" + decode[SessionResponse](t, w).ID

	w = env.do(t, http.MethodPost, base+"/actions", `{"type":"SET_STUDY","payload":{"study_id":"study-1"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, base+"/candidates", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "no records imported yet")

	w = env.do(t, http.MethodPost, base+"/actions", `{"type":"IMPORT_RECORDS","payload":{"file_name":"irt.json","records":[
		{"subject_id":"101-001","date_of_birth":"1980-05-12"},
		{"subject_id":"101-002","date_of_birth":"1981-06-01"},
		{"subject_id":"101-003","date_of_birth":"1982-07-02"}]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	imported := decode[SessionResponse](t, w)
	require.Len(t, imported.State.IRTRecords, 3)
	ids := map[string]bool{}
	for _, r := range imported.State.IRTRecords {
		assert.NotEmpty(t, r.ID)
		ids[r.ID] = true
	}
	assert.Len(t, ids, 3, "record ids are unique")

	w = env.do(t, http.MethodPost, base+"/actions", `{"type":"SET_STEP","payload":{"step":"match"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for i := 0; i < 3; i++ {
		w = env.do(t, http.MethodPost, base+"/decisions", DecisionRequest{NoMatch: true})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, base+"/summary", nil)
	assert.Equal(t, ledger.Summary{Total: 3, NoMatch: 3}, decode[ledger.Summary](t, w))
}

func TestDispatchedImportRequiresStudy(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", nil)
	base := "/api/v1/sessions/" + decode[SessionResponse](t, w).ID

	w = env.do(t, http.MethodPost, base+"/actions", `{"type":"IMPORT_RECORDS","payload":{"records":[{"subject_id":"101-001","date_of_birth":"1980-05-12"}]}}`)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), domain.ErrStudyNotSelected.Error())
}

func TestDecisionOutsideMatchStep(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", nil)
	id := decode[SessionResponse](t, w).ID

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/decisions", DecisionRequest{NoMatch: true})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionListAndDelete(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.matchingSession(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	list := decode[struct {
		Sessions []session.Info `json:"sessions"`
	}](t, w)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "study-1", list.Sessions[0].StudyID)
	assert.Equal(t, 2, list.Sessions[0].TotalRecords)

	w = env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArchiveEndpoints(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.matchingSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/decisions", DecisionRequest{Rank: 1})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/archive", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	archived := decode[ledger.ArchiveRecord](t, w)
	assert.Equal(t, id, archived.SessionID)
	assert.Equal(t, 1, archived.Summary.Matched)

	w = env.do(t, http.MethodGet, "/api/v1/archive?study_id=study-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Sessions []ledger.ArchiveRecord `json:"sessions"`
		Total    int64                  `json:"total"`
	}](t, w)
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Sessions, 1)

	w = env.do(t, http.MethodGet, "/api/v1/archive?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/archive/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[ledger.ArchiveRecord](t, w)
	assert.Len(t, got.State.Matches, 1)

	w = env.do(t, http.MethodDelete, "/api/v1/archive/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/archive/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchAndCacheEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/batch", BatchRequest{Jobs: []batch.Job{
		{StudyID: "study-1", Records: []domain.ImportedRecord{
			{ID: "r1", SubjectID: "102-001", DateOfBirth: "1975-11-30", FirstName: "Bo", LastName: "Chen", SiteNumber: "102"},
		}},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	results := decode[struct {
		Results []batch.Result `json:"results"`
	}](t, w)
	require.Len(t, results.Results, 1)
	require.NotNil(t, results.Results[0].Proposals[0].Suggested)
	assert.Equal(t, "ref-bo", results.Results[0].Proposals[0].Suggested.ReferralID)

	w = env.do(t, http.MethodGet, "/api/v1/cache/stats", nil)
	assert.JSONEq(t, `{"enabled":false}`, w.Body.String())

	w = env.do(t, http.MethodDelete, "/api/v1/cache/studies/study-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSnapshotStream(t *testing.T) {
	env := newTestEnv(t, false)
	httpServer := httptest.NewServer(env.server.Handler())
	defer httpServer.Close()

	w := env.do(t, http.MethodPost, "/api/v1/sessions", nil)
	id := decode[SessionResponse](t, w).ID

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/v1/sessions/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, id, first.SessionID)
	assert.Equal(t, domain.StepImport, first.State.Step)
	assert.Empty(t, first.State.SelectedStudyID)

	w = env.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/study", SelectStudyRequest{StudyID: "study-1"})
	require.Equal(t, http.StatusOK, w.Code)

	for {
		var msg StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.State.SelectedStudyID == "study-1" {
			break
		}
	}

	w = env.do(t, http.MethodGet, "/api/v1/sessions/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
