package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/slurmlink/slurmlink/internal/cache"
	"github.com/slurmlink/slurmlink/internal/channel"
	"github.com/slurmlink/slurmlink/internal/scheduler"
	"github.com/slurmlink/slurmlink/internal/store"
	"github.com/slurmlink/slurmlink/internal/types"
)

// fakeScheduler is a scripted scheduler backend.
type fakeScheduler struct {
	mu        sync.Mutex
	submits   int
	canceled  []string
	state     scheduler.JobState
	exitCode  *int
	submitErr error
}

func (f *fakeScheduler) Submit(ctx context.Context, script scheduler.Script) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits++
	return fmt.Sprintf("job-%d", f.submits), nil
}

func (f *fakeScheduler) Status(ctx context.Context, jobID string) (scheduler.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return scheduler.JobStatus{State: f.state, ExitCode: f.exitCode}, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	return nil
}

func (f *fakeScheduler) setState(state scheduler.JobState, exitCode *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	f.exitCode = exitCode
}

type workerHarness struct {
	worker  *Worker
	channel *channel.StoreChannel
	store   *store.Filesystem
	sched   *fakeScheduler
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	fs, err := store.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}
	ch := channel.NewStoreChannel(fs, 10*time.Millisecond)
	cacheManager := cache.NewManager(fs, cache.NewInMemoryManifest(), 0, nil)
	sched := &fakeScheduler{state: scheduler.StateQueued}
	w := NewWorker(ch, fs, cacheManager, sched, t.TempDir())
	return &workerHarness{worker: w, channel: ch, store: fs, sched: sched}
}

// uploadProject puts a small project payload in the shared store the
// way the proxy would, and returns its hash.
func (h *workerHarness) uploadProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "train.py"), []byte("print('x')\n"), 0o644); err != nil {
		t.Fatalf("Failed to write project file: %v", err)
	}
	hash, err := cache.HashDir(dir, nil)
	if err != nil {
		t.Fatalf("Failed to hash project: %v", err)
	}

	// A separate manager with its own manifest stands in for the
	// proxy side.
	proxyCache := cache.NewManager(h.store, cache.NewInMemoryManifest(), 0, nil)
	if _, err := proxyCache.Put(context.Background(), hash, types.PayloadProject, dir, nil); err != nil {
		t.Fatalf("Failed to upload project: %v", err)
	}
	return hash
}

func (h *workerHarness) submitMessage(taskID, projectHash string) *types.ControlMessage {
	return &types.ControlMessage{
		MessageID: "msg-" + taskID,
		Kind:      types.MsgSubmitTask,
		Submit: &types.SubmitPayload{
			Task: types.Task{
				TaskID:       taskID,
				Owner:        "alice",
				Status:       types.TaskPending,
				Run:          types.RunSpec{Commands: []string{"python train.py"}},
				Files:        types.FileMap{ResultPaths: []string{"model.txt"}},
				Fingerprints: types.Fingerprints{Project: projectHash},
				Resources:    types.ResourceRequest{CPUs: 2, GPUs: 1, Memory: "8G", TimeLimit: "01:00:00"},
			},
		},
	}
}

// outbound drains every pending remote-to-local message.
func (h *workerHarness) outbound(t *testing.T) []*types.ControlMessage {
	t.Helper()
	msgs, err := h.channel.ListPending(context.Background(), channel.RemoteToLocal)
	if err != nil {
		t.Fatalf("Failed to list outbound messages: %v", err)
	}
	return msgs
}

func findStatus(msgs []*types.ControlMessage, status types.TaskStatus) *types.StatusPayload {
	for _, msg := range msgs {
		if msg.Kind == types.MsgStatusUpdate && msg.Status != nil && msg.Status.Status == status {
			return msg.Status
		}
	}
	return nil
}

func TestHandleSubmit(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()
	hash := h.uploadProject(t)

	h.worker.Dispatch(ctx, h.submitMessage("task-1", hash))

	msgs := h.outbound(t)
	if findStatus(msgs, types.TaskPreparing) == nil {
		t.Error("Expected a preparing status")
	}
	queued := findStatus(msgs, types.TaskQueued)
	if queued == nil {
		t.Fatal("Expected a queued status")
	}
	if queued.SchedulerJob != "job-1" {
		t.Errorf("Expected job id job-1, got %q", queued.SchedulerJob)
	}

	// The project must be materialized under the task's run directory.
	workdir := filepath.Join(h.worker.workRoot, "task-1", "project")
	if _, err := os.Stat(filepath.Join(workdir, "train.py")); err != nil {
		t.Errorf("Expected materialized project file: %v", err)
	}

	// The submit message itself was processed and acked.
	pending, err := h.channel.ListPending(ctx, channel.LocalToRemote)
	if err != nil {
		t.Fatalf("Failed to list inbound pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected submit message to be acked, %d still pending", len(pending))
	}
}

func TestHandleSubmitRedelivery(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()
	hash := h.uploadProject(t)

	h.worker.Dispatch(ctx, h.submitMessage("task-1", hash))
	// At-least-once delivery: the same submit arrives again.
	h.worker.Dispatch(ctx, h.submitMessage("task-1", hash))

	if h.sched.submits != 1 {
		t.Errorf("Expected exactly one scheduler submission, got %d", h.sched.submits)
	}

	// The redelivery re-reports the existing job id.
	var queuedCount int
	for _, msg := range h.outbound(t) {
		if msg.Kind == types.MsgStatusUpdate && msg.Status.Status == types.TaskQueued {
			queuedCount++
			if msg.Status.SchedulerJob != "job-1" {
				t.Errorf("Expected job-1 re-reported, got %q", msg.Status.SchedulerJob)
			}
		}
	}
	if queuedCount != 2 {
		t.Errorf("Expected 2 queued reports, got %d", queuedCount)
	}
}

func TestHandleSubmitSchedulerRejection(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()
	hash := h.uploadProject(t)
	h.sched.submitErr = fmt.Errorf("sbatch failed: invalid partition: %w", types.ErrSchedulerRejection)

	h.worker.Dispatch(ctx, h.submitMessage("task-1", hash))

	var completed *types.CompletedPayload
	for _, msg := range h.outbound(t) {
		if msg.Kind == types.MsgTaskCompleted {
			completed = msg.Completed
		}
	}
	if completed == nil {
		t.Fatal("Expected a completion message")
	}
	if completed.Status != types.TaskFailed {
		t.Errorf("Expected failed, got %s", completed.Status)
	}
	if completed.Error == "" {
		t.Error("Expected the rejection reason in the error field")
	}
}

func TestCancelBeforeSubmit(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()
	hash := h.uploadProject(t)

	cancel := &types.ControlMessage{
		MessageID: "msg-cancel",
		Kind:      types.MsgCancelTask,
		Cancel:    &types.CancelPayload{TaskID: "task-1"},
	}
	h.worker.Dispatch(ctx, cancel)
	h.worker.Dispatch(ctx, h.submitMessage("task-1", hash))

	if h.sched.submits != 0 {
		t.Errorf("Expected no scheduler submission after cancel, got %d", h.sched.submits)
	}
	if findStatus(h.outbound(t), types.TaskCanceled) == nil {
		t.Error("Expected a canceled status")
	}
}

func TestCancelRunningJob(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()
	hash := h.uploadProject(t)

	h.worker.Dispatch(ctx, h.submitMessage("task-1", hash))
	h.worker.Dispatch(ctx, &types.ControlMessage{
		MessageID: "msg-cancel",
		Kind:      types.MsgCancelTask,
		Cancel:    &types.CancelPayload{TaskID: "task-1"},
	})

	if len(h.sched.canceled) != 1 || h.sched.canceled[0] != "job-1" {
		t.Errorf("Expected job-1 to be canceled, got %v", h.sched.canceled)
	}

	msgs := h.outbound(t)
	if findStatus(msgs, types.TaskCanceled) == nil {
		t.Error("Expected a canceled status")
	}
	var acked bool
	for _, msg := range msgs {
		if msg.Kind == types.MsgAck && msg.Ack != nil && msg.Ack.MessageID == "msg-cancel" {
			acked = true
		}
	}
	if !acked {
		t.Error("Expected an ack for the cancel message")
	}
}

func TestCancelAfterTerminalKeepsOutcome(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()
	hash := h.uploadProject(t)

	h.worker.Dispatch(ctx, h.submitMessage("task-1", hash))

	// The job finishes before the cancel request lands.
	exitCode := 0
	h.sched.setState(scheduler.StateCompleted, &exitCode)
	NewReconciler(h.worker, time.Minute).Tick(ctx)

	h.worker.Dispatch(ctx, &types.ControlMessage{
		MessageID: "msg-cancel",
		Kind:      types.MsgCancelTask,
		Cancel:    &types.CancelPayload{TaskID: "task-1"},
	})

	if len(h.sched.canceled) != 0 {
		t.Errorf("Expected no scancel on a finished job, got %v", h.sched.canceled)
	}
	// No canceled status for a task that already completed.
	if findStatus(h.outbound(t), types.TaskCanceled) != nil {
		t.Error("Expected the completion to stand, not a canceled status")
	}
}

func TestHandleQueryRepeatsLastStatus(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()
	hash := h.uploadProject(t)

	h.worker.Dispatch(ctx, h.submitMessage("task-1", hash))
	before := len(h.outbound(t))

	h.worker.Dispatch(ctx, &types.ControlMessage{
		MessageID: "msg-query",
		Kind:      types.MsgStatusQuery,
		Query:     &types.QueryPayload{TaskID: "task-1"},
	})

	msgs := h.outbound(t)
	if len(msgs) != before+1 {
		t.Fatalf("Expected one extra status message, got %d -> %d", before, len(msgs))
	}

	// Unknown tasks produce nothing; the proxy's record stands.
	h.worker.Dispatch(ctx, &types.ControlMessage{
		MessageID: "msg-query-2",
		Kind:      types.MsgStatusQuery,
		Query:     &types.QueryPayload{TaskID: "never-seen"},
	})
	if len(h.outbound(t)) != before+1 {
		t.Error("Expected no status for an unknown task")
	}
}
