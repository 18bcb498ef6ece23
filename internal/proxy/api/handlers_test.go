package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/slurmlink/slurmlink/internal/cache"
	"github.com/slurmlink/slurmlink/internal/channel"
	"github.com/slurmlink/slurmlink/internal/proxy"
	"github.com/slurmlink/slurmlink/internal/state"
	"github.com/slurmlink/slurmlink/internal/store"
	"github.com/slurmlink/slurmlink/internal/types"
)

func setupTestServer(t *testing.T) (*proxy.Orchestrator, *echo.Echo) {
	t.Helper()
	fs, err := store.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}
	tasks := state.NewInMemoryStore()
	cacheManager := cache.NewManager(fs, cache.NewInMemoryManifest(), 0, proxy.Pinned(tasks))
	ch := channel.NewStoreChannel(fs, 10*time.Millisecond)
	orchestrator := proxy.NewOrchestrator(fs, ch, cacheManager, tasks)

	server := NewServer(orchestrator)
	e := echo.New()
	server.RegisterRoutes(e)
	return orchestrator, e
}

func testProjectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatalf("Failed to write project file: %v", err)
	}
	return dir
}

func TestSubmitTask(t *testing.T) {
	projectDir := testProjectDir(t)

	tests := []struct {
		name       string
		reqBody    string
		wantStatus int
	}{
		{
			name: "valid submission",
			reqBody: fmt.Sprintf(
				`{"owner":"alice","name":"exp","run":{"commands":["python main.py"]},"files":{"upload":%q}}`,
				projectDir,
			),
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing owner",
			reqBody:    `{"run":{"commands":["echo hi"]}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing commands",
			reqBody:    `{"owner":"alice"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid JSON",
			reqBody:    `{"owner":"alice"`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, e := setupTestServer(t)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(tt.reqBody))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()

			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("SubmitTask() status = %v, want %v: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}

			if tt.wantStatus == http.StatusCreated {
				var task types.Task
				if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				if task.TaskID == "" {
					t.Error("Expected a task id")
				}
				if task.Status != types.TaskPending {
					t.Errorf("Expected status %s, got %s", types.TaskPending, task.Status)
				}
				if task.Fingerprints.Project == "" {
					t.Error("Expected a project fingerprint")
				}
			}
		})
	}
}

func TestGetTask(t *testing.T) {
	orchestrator, e := setupTestServer(t)

	task, err := orchestrator.Submit(
		context.Background(),
		proxy.SubmitRequest{
			Owner: "alice",
			Run:   types.RunSpec{Commands: []string{"echo hi"}},
			Files: types.FileMap{Upload: testProjectDir(t)},
		},
	)
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+task.TaskID, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GetTask() status = %v, want %v", rec.Code, http.StatusOK)
	}
	var got types.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if got.TaskID != task.TaskID {
		t.Errorf("Expected task %s, got %s", task.TaskID, got.TaskID)
	}

	// Unknown id is a 404.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nonexistent", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GetTask() status = %v, want %v", rec.Code, http.StatusNotFound)
	}
}

func TestListTasksFilter(t *testing.T) {
	orchestrator, e := setupTestServer(t)
	ctx := context.Background()
	dir := testProjectDir(t)

	for _, owner := range []string{"alice", "alice", "bob"} {
		_, err := orchestrator.Submit(ctx, proxy.SubmitRequest{
			Owner: owner,
			Run:   types.RunSpec{Commands: []string{"echo hi"}},
			Files: types.FileMap{Upload: dir},
		})
		if err != nil {
			t.Fatalf("Failed to submit: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?owner=alice", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListTasks() status = %v, want %v", rec.Code, http.StatusOK)
	}
	var tasks []types.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("Expected 2 tasks for alice, got %d", len(tasks))
	}

	// An invalid status filter is a 400.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ListTasks() status = %v, want %v", rec.Code, http.StatusBadRequest)
	}
}

func TestCancelTaskEndpoint(t *testing.T) {
	orchestrator, e := setupTestServer(t)

	task, err := orchestrator.Submit(
		context.Background(),
		proxy.SubmitRequest{
			Owner: "alice",
			Run:   types.RunSpec{Commands: []string{"echo hi"}},
			Files: types.FileMap{Upload: testProjectDir(t)},
		},
	)
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+task.TaskID, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("CancelTask() status = %v, want %v", rec.Code, http.StatusOK)
	}
	var got types.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if got.Status != types.TaskCanceled {
		t.Errorf("Expected status %s, got %s", types.TaskCanceled, got.Status)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/nonexistent", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("CancelTask() status = %v, want %v", rec.Code, http.StatusNotFound)
	}
}

func TestFetchResultsNotReady(t *testing.T) {
	orchestrator, e := setupTestServer(t)

	task, err := orchestrator.Submit(
		context.Background(),
		proxy.SubmitRequest{
			Owner: "alice",
			Run:   types.RunSpec{Commands: []string{"echo hi"}},
			Files: types.FileMap{Upload: testProjectDir(t)},
		},
	)
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+task.TaskID+"/results", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("FetchResults() status = %v, want %v", rec.Code, http.StatusNotFound)
	}
}

func TestHealth(t *testing.T) {
	_, e := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Health() status = %v, want %v", rec.Code, http.StatusOK)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", resp["status"])
	}
	if resp["remoteSeen"] != false {
		t.Errorf("Expected remoteSeen false before any heartbeat, got %v", resp["remoteSeen"])
	}
}
