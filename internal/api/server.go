package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/batch"
	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/ledger"
	"github.com/irt-reconciliation-engine/internal/middleware"
	"github.com/irt-reconciliation-engine/internal/service"
	"github.com/irt-reconciliation-engine/internal/session"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Services are the collaborators the HTTP handlers drive. Archive, Cache and HealthChecks
// are optional.
type Services struct {
	Sessions     *session.Manager
	Batch        *batch.Reconciler
	Archive      ledger.Store
	Cache        *service.CachedCandidateSource
	HealthChecks map[string]HealthCheck
}

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	services      Services
	logger        *logrus.Logger
	router        *gin.Engine
	server        *http.Server
	startedAt     time.Time
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, services Services, logger *logrus.Logger) *Server {
	cfg := configManager.GetConfig()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS())
	router.Use(middleware.AuditLogger(logger))
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		router.Use(limiter.Middleware())
	}

	server := &Server{
		configManager: configManager,
		services:      services,
		logger:        logger,
		router:        router,
		startedAt:     time.Now(),
	}

	server.setupRoutes()

	return server
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		sessions.POST("", s.handleCreateSession)
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:id", s.handleGetSession)
		sessions.DELETE("/:id", s.handleDeleteSession)
		sessions.PUT("/:id/study", s.handleSelectStudy)
		sessions.POST("/:id/import", s.handleImport)
		sessions.POST("/:id/actions", s.handleDispatch)
		sessions.GET("/:id/candidates", s.handleCandidates)
		sessions.POST("/:id/decisions", s.handleDecision)
		sessions.POST("/:id/keys", s.handleKey)
		sessions.POST("/:id/undo", s.handleUndo)
		sessions.GET("/:id/records", s.handleRecords)
		sessions.GET("/:id/summary", s.handleSummary)
		sessions.GET("/:id/export", s.handleExport)
		sessions.POST("/:id/archive", s.handleArchiveSession)
		sessions.GET("/:id/stream", s.handleStream)

		archive := v1.Group("/archive")
		archive.GET("", s.handleListArchive)
		archive.GET("/:sessionId", s.handleGetArchive)
		archive.DELETE("/:sessionId", s.handleDeleteArchive)

		v1.POST("/batch", s.handleBatch)

		v1.GET("/cache/stats", s.handleCacheStats)
		v1.DELETE("/cache/studies/:studyId", s.handleInvalidateStudy)
	}
}
