package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/batch"
	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/ledger"
)

const (
	defaultArchivePage = 50
	maxArchivePage     = 500
	maxBatchJobs       = 100
)

// BatchRequest is the body of POST /batch.
type BatchRequest struct {
	Jobs []batch.Job `json:"jobs" binding:"required"`
}

func (s *Server) archiveStore(c *gin.Context) (ledger.Store, bool) {
	if s.services.Archive == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, domain.NewReconciliationError(
			domain.ErrCodeSourceUnavailable, "session archive is not configured", "", c.GetString("request_id")))
		return nil, false
	}
	return s.services.Archive, true
}

func (s *Server) handleArchiveSession(c *gin.Context) {
	store, ok := s.archiveStore(c)
	if !ok {
		return
	}
	sess, ok := s.session(c)
	if !ok {
		return
	}

	record := ledger.NewArchiveRecord(sess.ID(), sess.Snapshot())
	if err := store.Save(c.Request.Context(), record); err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": record.SessionID,
		"study_id":   record.StudyID,
		"matched":    record.Summary.Matched,
		"no_match":   record.Summary.NoMatch,
	}).Info("Reconciliation session archived")
	c.JSON(http.StatusCreated, record)
}

func (s *Server) handleListArchive(c *gin.Context) {
	store, ok := s.archiveStore(c)
	if !ok {
		return
	}

	limit, err := queryInt(c, "limit", defaultArchivePage)
	if err != nil || limit <= 0 || limit > maxArchivePage {
		s.badRequest(c, "limit must be between 1 and 500")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		s.badRequest(c, "offset must not be negative")
		return
	}

	records, err := store.List(c.Request.Context(), c.Query("study_id"), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	total, err := store.Count(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": records,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetArchive(c *gin.Context) {
	store, ok := s.archiveStore(c)
	if !ok {
		return
	}
	record, err := store.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if record == nil {
		s.respondError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleDeleteArchive(c *gin.Context) {
	store, ok := s.archiveStore(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	record, err := store.Get(ctx, sessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if record == nil {
		s.respondError(c, domain.ErrNotFound)
		return
	}
	if err := store.Delete(ctx, sessionID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "jobs are required")
		return
	}
	if len(req.Jobs) == 0 || len(req.Jobs) > maxBatchJobs {
		s.badRequest(c, "between 1 and 100 jobs are required")
		return
	}
	for i, job := range req.Jobs {
		if job.StudyID == "" {
			s.respondError(c, domain.NewValidationError("jobs["+strconv.Itoa(i)+"].study_id", "study id is required", ""))
			return
		}
	}

	results, err := s.services.Batch.Run(c.Request.Context(), req.Jobs)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	if s.services.Cache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": s.services.Cache.Stats()})
}

func (s *Server) handleInvalidateStudy(c *gin.Context) {
	if s.services.Cache == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.services.Cache.Invalidate(c.Request.Context(), c.Param("studyId")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
