package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/importer"
	"github.com/irt-reconciliation-engine/internal/session"
)

// statusFor maps an error to its HTTP status and error code. Unknown errors get fallback.
func statusFor(err error, fallback int) (int, string) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, domain.ErrCodeValidation
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrCodeNotFound
	case errors.Is(err, domain.ErrStudyNotSelected),
		errors.Is(err, domain.ErrNoCurrentRecord),
		errors.Is(err, domain.ErrInvalidStep),
		errors.Is(err, session.ErrNothingToUndo):
		return http.StatusConflict, domain.ErrCodeInvalidInput
	case errors.Is(err, domain.ErrCandidateRankOutOfRange),
		errors.Is(err, domain.ErrUnknownAction),
		errors.Is(err, domain.ErrInvalidFormat),
		errors.Is(err, importer.ErrMissingColumn),
		errors.Is(err, importer.ErrDuplicateID):
		return http.StatusBadRequest, domain.ErrCodeInvalidInput
	case errors.Is(err, domain.ErrSourceUnavailable):
		return http.StatusServiceUnavailable, domain.ErrCodeSourceUnavailable
	}
	if fallback == http.StatusBadRequest {
		return fallback, domain.ErrCodeInvalidInput
	}
	return http.StatusInternalServerError, domain.ErrCodeInternalServer
}

// respondError writes err as a ReconciliationError body. Server errors are logged and their
// details withheld from the client.
func (s *Server) respondError(c *gin.Context, err error) {
	s.respondErrorWithFallback(c, err, http.StatusInternalServerError)
}

func (s *Server) respondErrorWithFallback(c *gin.Context, err error, fallback int) {
	status, code := statusFor(err, fallback)

	message := err.Error()
	if status >= http.StatusInternalServerError && code == domain.ErrCodeInternalServer {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"path":           c.FullPath(),
			"correlation_id": c.GetString("correlation_id"),
		}).Error("Request failed")
		message = "internal server error"
	}

	c.AbortWithStatusJSON(status, domain.NewReconciliationError(code, message, "", c.GetString("request_id")))
}

func (s *Server) badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, domain.NewReconciliationError(
		domain.ErrCodeInvalidInput, message, "", c.GetString("request_id")))
}
