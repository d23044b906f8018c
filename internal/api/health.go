package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// HealthState is the status of one component or of the whole service.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateDegraded  HealthState = "degraded"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// ComponentHealth is the result of one probe.
type ComponentHealth struct {
	Name     string        `json:"name"`
	Status   HealthState   `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     HealthState       `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Sessions   int               `json:"sessions"`
	Components []ComponentHealth `json:"components,omitempty"`
}

// runHealthChecks probes every component concurrently. Each probe gets its own deadline.
func runHealthChecks(ctx context.Context, checks map[string]HealthCheck) []ComponentHealth {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]ComponentHealth, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()

			start := time.Now()
			err := checks[name](probeCtx)
			results[i] = ComponentHealth{Name: name, Status: HealthStateHealthy, Duration: time.Since(start)}
			if err != nil {
				results[i].Status = HealthStateUnhealthy
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// handleHealth reports 503 when any component probe fails.
func (s *Server) handleHealth(c *gin.Context) {
	components := runHealthChecks(c.Request.Context(), s.services.HealthChecks)

	status := HealthStateHealthy
	for _, component := range components {
		if component.Status != HealthStateHealthy {
			status = HealthStateDegraded
			s.logger.WithField("component", component.Name).WithField("error", component.Error).Warn("Health check failed")
		}
	}

	code := http.StatusOK
	if status != HealthStateHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Version:    Version,
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Sessions:   len(s.services.Sessions.List()),
		Components: components,
	})
}
