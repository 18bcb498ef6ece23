package remote

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/slurmlink/slurmlink/internal/cache"
	"github.com/slurmlink/slurmlink/internal/scheduler"
	"github.com/slurmlink/slurmlink/internal/types"
)

// Reconciler bridges message-driven intent into scheduler reality: a
// fixed-interval poll reads ground truth for every non-terminal task
// and emits a status message only when the mapped state differs from
// the last one sent. Level-triggered input, edge-triggered output.
type Reconciler struct {
	worker   *Worker
	interval time.Duration
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(w *Worker, interval time.Duration) *Reconciler {
	return &Reconciler{worker: w, interval: interval}
}

// Run polls until the context is canceled or the worker stops. Each
// wait is jittered by up to a quarter interval so multiple workers
// never align their bursts against the scheduler.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(r.interval)/4 + 1))
		select {
		case <-ctx.Done():
			return
		case <-r.worker.stopChan:
			return
		case <-time.After(r.interval + jitter):
		}
		r.Tick(ctx)
	}
}

// Tick performs one reconciliation pass. Failures are logged per task
// and retried on the next pass; a pass never crashes the loop.
func (r *Reconciler) Tick(ctx context.Context) {
	for _, rec := range r.worker.snapshotActive() {
		if err := r.reconcileTask(ctx, rec); err != nil {
			log.Printf("remote: reconcile %s: %v", rec.task.TaskID, err)
		}
	}
}

// snapshotActive returns copies of all non-terminal tracked records
// that have a scheduler job. Already-terminal tasks are skipped, so
// re-polling them is structurally a no-op.
func (w *Worker) snapshotActive() []tracked {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]tracked, 0, len(w.tasks))
	for _, rec := range w.tasks {
		if rec.terminal || rec.jobID == "" {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

func (r *Reconciler) reconcileTask(ctx context.Context, rec tracked) error {
	status, err := r.worker.sched.Status(ctx, rec.jobID)
	if err != nil {
		return fmt.Errorf("failed to query job %s: %w", rec.jobID, err)
	}

	mapped := mapJobState(status.State)
	if mapped == "" || mapped == rec.lastSent {
		return nil
	}

	if mapped == types.TaskRunning {
		r.worker.noteStarted(rec.task.TaskID)
	}

	if !mapped.IsTerminal() {
		return r.worker.emitStatus(ctx, rec.task.TaskID, mapped, rec.jobID, "")
	}

	// Terminal: collect result artifacts before announcing the
	// outcome, so a completion message always references a
	// retrievable archive.
	resultKey, err := r.uploadResults(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to upload results for %s: %w", rec.task.TaskID, err)
	}

	payload := types.CompletedPayload{
		TaskID:    rec.task.TaskID,
		Status:    mapped,
		ExitCode:  status.ExitCode,
		Usage:     r.worker.usageFor(rec.task),
		ResultKey: resultKey,
	}
	if mapped == types.TaskFailed {
		payload.Error = "job failed"
		if status.ExitCode != nil {
			payload.Error = fmt.Sprintf("job exited with code %d", *status.ExitCode)
		}
	}

	if err := r.worker.emitCompleted(ctx, payload); err != nil {
		return err
	}
	r.worker.markTerminal(rec.task.TaskID, mapped)
	log.Printf("remote: task %s reached %s (job %s)", rec.task.TaskID, mapped, rec.jobID)
	return nil
}

// uploadResults packs scheduler logs plus the task's declared result
// paths and uploads the archive under the task's result key.
func (r *Reconciler) uploadResults(ctx context.Context, rec tracked) (string, error) {
	if rec.workdir == "" {
		return "", nil
	}

	paths := append([]string{".slurm"}, rec.task.Files.ResultPaths...)
	var buf bytes.Buffer
	if err := cache.PackPaths(rec.workdir, paths, &buf); err != nil {
		return "", err
	}

	key := fmt.Sprintf("results/%s.tar.zst", rec.task.TaskID)
	if err := r.worker.store.Upload(ctx, key, &buf); err != nil {
		return "", err
	}
	return key, nil
}

// mapJobState translates scheduler vocabulary into task lifecycle
// vocabulary. Unknown states map to empty and are skipped until the
// scheduler resolves them.
func mapJobState(state scheduler.JobState) types.TaskStatus {
	switch state {
	case scheduler.StateQueued:
		return types.TaskQueued
	case scheduler.StateRunning:
		return types.TaskRunning
	case scheduler.StateCompleted:
		return types.TaskCompleted
	case scheduler.StateFailed:
		return types.TaskFailed
	case scheduler.StateCanceled:
		return types.TaskCanceled
	}
	return ""
}

// noteStarted records the first time a task was observed running,
// feeding the usage counters reported on completion.
func (w *Worker) noteStarted(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rec, ok := w.tasks[taskID]; ok && rec.startedAt.IsZero() {
		rec.startedAt = time.Now()
	}
}

// usageFor derives coarse usage counters from observed wall time and
// the task's resource request. The proxy stores them opaquely.
func (w *Worker) usageFor(task types.Task) types.Usage {
	w.mu.Lock()
	rec, ok := w.tasks[task.TaskID]
	var started time.Time
	if ok {
		started = rec.startedAt
	}
	w.mu.Unlock()

	if started.IsZero() {
		return types.Usage{}
	}
	wall := time.Since(started).Seconds()
	return types.Usage{
		CPUSeconds: wall * float64(task.Resources.CPUs),
		GPUSeconds: wall * float64(task.Resources.GPUs),
	}
}

