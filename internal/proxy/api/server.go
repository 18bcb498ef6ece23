// Package api exposes the local orchestrator over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slurmlink/slurmlink/internal/proxy"
)

// Server handles HTTP requests for the proxy API.
type Server struct {
	orchestrator *proxy.Orchestrator
}

// NewServer creates a new API server backed by the orchestrator.
func NewServer(orchestrator *proxy.Orchestrator) *Server {
	return &Server{orchestrator: orchestrator}
}

// RegisterRoutes registers all API endpoints with the Echo router.
// Routes are grouped under /api/v1 for versioning.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/api/v1")

	v1.POST("/tasks", s.SubmitTask)
	v1.GET("/tasks", s.ListTasks)
	v1.GET("/tasks/:id", s.GetTask)
	v1.DELETE("/tasks/:id", s.CancelTask)
	v1.GET("/tasks/:id/results", s.FetchResults)

	e.GET("/health", s.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Health handles GET /health. Includes how long ago the remote worker
// was last heard from.
func (s *Server) Health(c echo.Context) error {
	lastHeartbeat, tracked := s.orchestrator.RemoteHealth()

	resp := map[string]interface{}{
		"status":        "ok",
		"remoteTracked": tracked,
	}
	if lastHeartbeat.IsZero() {
		resp["remoteSeen"] = false
	} else {
		resp["remoteSeen"] = true
		resp["remoteSeenAgo"] = time.Since(lastHeartbeat).Round(time.Second).String()
	}
	return c.JSON(http.StatusOK, resp)
}
