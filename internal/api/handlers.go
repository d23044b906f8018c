package api

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/importer"
	"github.com/irt-reconciliation-engine/internal/ledger"
	"github.com/irt-reconciliation-engine/internal/session"
)

// maxUploadBytes caps IRT uploads.
const maxUploadBytes = 32 << 20

// SessionResponse is the body returned by every endpoint that changes a session.
type SessionResponse struct {
	ID      string                     `json:"id"`
	State   domain.ReconciliationState `json:"state"`
	Summary ledger.Summary             `json:"summary"`
}

// SelectStudyRequest is the body of PUT /sessions/:id/study.
type SelectStudyRequest struct {
	StudyID string `json:"study_id" binding:"required"`
}

// ImportRequest is the JSON form of an import; CSV uploads use text/csv or multipart.
type ImportRequest struct {
	FileName string                  `json:"file_name"`
	Records  []domain.ImportedRecord `json:"records"`
}

// DecisionRequest records one decision for the current record. Exactly one of Rank,
// ReferralID and NoMatch must be set.
type DecisionRequest struct {
	Rank       int    `json:"rank,omitempty"`
	ReferralID string `json:"referral_id,omitempty"`
	NoMatch    bool   `json:"no_match,omitempty"`
}

// KeyResponse reports whether a key press did anything.
type KeyResponse struct {
	Handled bool                       `json:"handled"`
	State   domain.ReconciliationState `json:"state"`
}

func sessionResponse(id string, state domain.ReconciliationState) SessionResponse {
	return SessionResponse{ID: id, State: state, Summary: ledger.SummarizeState(state)}
}

func (s *Server) session(c *gin.Context) (*session.Session, bool) {
	sess, err := s.services.Sessions.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleCreateSession(c *gin.Context) {
	sess := s.services.Sessions.Create()
	c.JSON(http.StatusCreated, sessionResponse(sess.ID(), sess.Snapshot()))
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.services.Sessions.List()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess.ID(), sess.Snapshot()))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.services.Sessions.Delete(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSelectStudy(c *gin.Context) {
	var req SelectStudyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "study_id is required")
		return
	}

	id := c.Param("id")
	state, err := s.services.Sessions.SelectStudy(c.Request.Context(), id, req.StudyID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(id, state))
}

// handleImport accepts records as JSON, a raw CSV body, or a multipart "file" field.
func (s *Server) handleImport(c *gin.Context) {
	src, err := s.recordSource(c)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}

	id := c.Param("id")
	state, err := s.services.Sessions.Import(c.Request.Context(), id, src)
	if err != nil {
		s.respondErrorWithFallback(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(id, state))
}

func (s *Server) recordSource(c *gin.Context) (domain.RecordSource, error) {
	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		header, err := c.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("multipart upload requires a file field: %w", err)
		}
		f, err := header.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
		if err != nil {
			return nil, err
		}
		return importer.NewCSVRecordReader(bytes.NewReader(data), header.Filename), nil

	case "text/csv", "application/csv":
		fileName := c.Query("file_name")
		if fileName == "" {
			fileName = "upload.csv"
		}
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes))
		if err != nil {
			return nil, err
		}
		return importer.NewCSVRecordReader(bytes.NewReader(data), fileName), nil

	default:
		var req ImportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, fmt.Errorf("invalid import body: %w", err)
		}
		return session.StaticRecords{Records: req.Records, FileName: req.FileName}, nil
	}
}

func (s *Server) handleDispatch(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.badRequest(c, "unreadable body")
		return
	}
	action, err := session.DecodeAction(body)
	if err != nil {
		s.respondErrorWithFallback(c, err, http.StatusBadRequest)
		return
	}

	// Imports and study changes go through the manager, which assigns record ids and loads
	// the study's candidate pool.
	var state domain.ReconciliationState
	switch a := action.(type) {
	case session.ImportRecords:
		src := session.StaticRecords{Records: a.Records, FileName: a.FileName}
		state, err = s.services.Sessions.Import(c.Request.Context(), sess.ID(), src)
	case session.SetStudy:
		state, err = s.services.Sessions.SelectStudy(c.Request.Context(), sess.ID(), a.StudyID)
	default:
		state = sess.Dispatch(action)
	}
	if err != nil {
		s.respondErrorWithFallback(c, err, http.StatusBadRequest)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID(),
		"action":     session.TypeOf(action),
	}).Debug("Action dispatched")
	c.JSON(http.StatusOK, sessionResponse(sess.ID(), state))
}

func (s *Server) handleCandidates(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	candidates, err := sess.Candidates()
	if err != nil {
		s.respondError(c, err)
		return
	}
	state := sess.Snapshot()
	record, _ := state.CurrentRecord()
	c.JSON(http.StatusOK, gin.H{
		"index":      state.CurrentIndex,
		"record":     record,
		"candidates": candidates,
	})
}

func (s *Server) handleDecision(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid decision body")
		return
	}

	set := 0
	if req.Rank != 0 {
		set++
	}
	if req.ReferralID != "" {
		set++
	}
	if req.NoMatch {
		set++
	}
	if set != 1 {
		s.badRequest(c, "exactly one of rank, referral_id or no_match is required")
		return
	}

	var (
		decision domain.ReconciliationMatch
		err      error
	)
	switch {
	case req.NoMatch:
		decision, err = sess.RecordNoMatch()
	case req.ReferralID != "":
		decision, err = sess.RecordManualMatch(req.ReferralID)
	default:
		decision, err = sess.RecordMatch(req.Rank)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	state := sess.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"decision": decision,
		"state":    state,
		"summary":  ledger.SummarizeState(state),
	})
}

func (s *Server) handleKey(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var ev session.KeyEvent
	if err := c.ShouldBindJSON(&ev); err != nil || ev.Key == "" {
		s.badRequest(c, "key is required")
		return
	}
	handled, err := sess.HandleKey(ev)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, KeyResponse{Handled: handled, State: sess.Snapshot()})
}

func (s *Server) handleUndo(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	removed, err := sess.Undo()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"removed": removed,
		"state":   sess.Snapshot(),
	})
}

func (s *Server) handleRecords(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	filter, err := domain.ParseRecordFilter(c.Query("filter"))
	if err != nil {
		s.respondErrorWithFallback(c, err, http.StatusBadRequest)
		return
	}
	records := sess.Records(filter)
	c.JSON(http.StatusOK, gin.H{
		"filter":  filter,
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleSummary(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ledger.SummarizeState(sess.Snapshot()))
}

// handleExport streams the decision ledger as an attachment.
func (s *Server) handleExport(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	format, err := ledger.ParseFormat(c.Query("format"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	includeUnreviewed := false
	if raw := c.Query("include_unreviewed"); raw != "" {
		includeUnreviewed, err = strconv.ParseBool(raw)
		if err != nil {
			s.badRequest(c, "include_unreviewed must be a boolean")
			return
		}
	}

	state := sess.Snapshot()
	rows := ledger.BuildRows(state, ledger.ExportOptions{IncludeUnreviewed: includeUnreviewed})

	var buf bytes.Buffer
	if err := ledger.Export(&buf, format, rows); err != nil {
		s.respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exportFileName(state, format, time.Now())))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID(),
		"study_id":   state.SelectedStudyID,
		"format":     format,
		"rows":       len(rows),
	}).Info("Decision ledger exported")
}

func exportFileName(state domain.ReconciliationState, format ledger.Format, now time.Time) string {
	study := strings.TrimSpace(state.SelectedStudyID)
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
	return fmt.Sprintf("reconciliation-%s-%s.%s", study, now.UTC().Format("2006-01-02"), format.Extension())
}
