package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/slurmlink/slurmlink/internal/proxy"
	"github.com/slurmlink/slurmlink/internal/types"
)

// SubmitTaskRequest represents a request to submit a new task.
type SubmitTaskRequest struct {
	Owner     string                `json:"owner" validate:"required"`
	Name      string                `json:"name"`
	Resources types.ResourceRequest `json:"resources"`
	Run       types.RunSpec         `json:"run" validate:"required"`
	Files     types.FileMap         `json:"files"`
	EnvDir    string                `json:"envDir"`
	Datasets  map[string]string     `json:"datasets"`
	Packages  map[string]string     `json:"packages"`
}

// SubmitTask handles POST /api/v1/tasks.
// Hashes and uploads the task's payloads, then hands the task to the
// remote worker.
func (s *Server) SubmitTask(c echo.Context) error {
	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if req.Owner == "" || len(req.Run.Commands) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "owner and run commands are required"})
	}

	task, err := s.orchestrator.Submit(c.Request().Context(), proxy.SubmitRequest{
		Owner:     req.Owner,
		Name:      req.Name,
		Resources: req.Resources,
		Run:       req.Run,
		Files:     req.Files,
		EnvDir:    req.EnvDir,
		Datasets:  req.Datasets,
		Packages:  req.Packages,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, task)
}

// ListTasks handles GET /api/v1/tasks.
// Supports optional owner and status query filters.
func (s *Server) ListTasks(c echo.Context) error {
	owner := c.QueryParam("owner")
	status := types.TaskStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status filter"})
	}

	tasks, err := s.orchestrator.List(owner, status)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/:id.
func (s *Server) GetTask(c echo.Context) error {
	taskID := c.Param("id")

	task, err := s.orchestrator.Status(taskID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}

	return c.JSON(http.StatusOK, task)
}

// CancelTask handles DELETE /api/v1/tasks/:id.
// Cancellation of a terminal task succeeds without effect.
func (s *Server) CancelTask(c echo.Context) error {
	taskID := c.Param("id")

	task, err := s.orchestrator.Cancel(c.Request().Context(), taskID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, task)
}

// FetchResults handles GET /api/v1/tasks/:id/results.
// Streams the task's result archive as tar+zstd.
func (s *Server) FetchResults(c echo.Context) error {
	taskID := c.Param("id")

	rc, err := s.orchestrator.OpenResults(c.Request().Context(), taskID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+taskID+".tar.zst")
	return c.Stream(http.StatusOK, "application/zstd", rc)
}
