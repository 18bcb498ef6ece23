// Package remote implements the worker that lives next to the batch
// scheduler. It consumes control messages from the shared store,
// materializes payloads through its own cache layer, submits jobs,
// and reports ground truth back to the proxy. Its task records are a
// disposable working copy: anything here can be rebuilt from an
// incoming SubmitTask message.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/slurmlink/slurmlink/internal/cache"
	"github.com/slurmlink/slurmlink/internal/channel"
	"github.com/slurmlink/slurmlink/internal/scheduler"
	"github.com/slurmlink/slurmlink/internal/store"
	"github.com/slurmlink/slurmlink/internal/types"
)

// tracked is the remote-side working record for one task.
type tracked struct {
	task            types.Task
	jobID           string
	workdir         string // absolute run directory after materialization
	lastSent        types.TaskStatus
	startedAt       time.Time
	cancelRequested bool
	terminal        bool
}

// Worker drives scheduler submission and monitoring for tasks the
// proxy sends over the channel.
type Worker struct {
	channel  channel.Channel
	store    store.ObjectStore
	cache    *cache.Manager
	sched    scheduler.Scheduler
	workRoot string

	receiveTimeout    time.Duration
	heartbeatInterval time.Duration

	mu    sync.Mutex
	tasks map[string]*tracked

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a remote worker. workRoot is the directory task
// materials are unpacked into, one subdirectory per task id.
func NewWorker(ch channel.Channel, s store.ObjectStore, cacheManager *cache.Manager, sched scheduler.Scheduler, workRoot string) *Worker {
	return &Worker{
		channel:           ch,
		store:             s,
		cache:             cacheManager,
		sched:             sched,
		workRoot:          workRoot,
		receiveTimeout:    5 * time.Second,
		heartbeatInterval: 30 * time.Second,
		tasks:             make(map[string]*tracked),
		stopChan:          make(chan struct{}),
	}
}

// Stop signals the message and heartbeat loops to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// Run processes inbound messages until Stop or context cancellation.
// It first re-scans the pending set so a crash between receive and
// ack never silently skips a message, then enters the receive loop.
// Handler failures are logged and leave the message pending for the
// next attempt.
func (w *Worker) Run(ctx context.Context) error {
	pending, err := w.channel.ListPending(ctx, channel.LocalToRemote)
	if err != nil {
		return fmt.Errorf("failed to re-scan pending messages: %w", err)
	}
	if len(pending) > 0 {
		log.Printf("remote: %d pending messages found on startup", len(pending))
	}
	for _, msg := range pending {
		w.Dispatch(ctx, msg)
	}

	go w.heartbeatLoop(ctx)

	for {
		select {
		case <-w.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := w.channel.Receive(ctx, channel.LocalToRemote, w.receiveTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("remote: receive failed: %v", err)
			continue
		}
		if msg == nil {
			continue // timeout, loop again
		}
		w.Dispatch(ctx, msg)
	}
}

// Dispatch handles one message and acks it on success. A message that
// fails to process stays pending and is redelivered; handlers are
// idempotent so replays are safe.
func (w *Worker) Dispatch(ctx context.Context, msg *types.ControlMessage) {
	var err error
	switch msg.Kind {
	case types.MsgSubmitTask:
		err = w.handleSubmit(ctx, msg)
	case types.MsgCancelTask:
		err = w.handleCancel(ctx, msg)
	case types.MsgStatusQuery:
		err = w.handleQuery(ctx, msg)
	default:
		// Not ours to process; ack so it stops redelivering.
		log.Printf("remote: ignoring message %s of kind %s", msg.MessageID, msg.Kind)
	}
	if err != nil {
		log.Printf("remote: failed to process message %s (%s): %v", msg.MessageID, msg.Kind, err)
		return
	}
	if err := w.channel.Ack(ctx, channel.LocalToRemote, msg.MessageID); err != nil {
		log.Printf("remote: failed to ack message %s: %v", msg.MessageID, err)
	}
}

// handleSubmit materializes the task's payloads, submits to the
// scheduler, and reports queued. A redelivered submit for a task
// whose job id is already known re-reports the existing id instead of
// double-submitting.
func (w *Worker) handleSubmit(ctx context.Context, msg *types.ControlMessage) error {
	if msg.Submit == nil {
		return fmt.Errorf("submit message %s has no payload", msg.MessageID)
	}
	task := msg.Submit.Task

	w.mu.Lock()
	rec, exists := w.tasks[task.TaskID]
	if !exists {
		rec = &tracked{task: task}
		w.tasks[task.TaskID] = rec
	}
	canceled := rec.cancelRequested
	jobID := rec.jobID
	w.mu.Unlock()

	if jobID != "" {
		return w.emitStatus(ctx, task.TaskID, types.TaskQueued, jobID, "")
	}
	if canceled {
		// Cancellation arrived before submission; skip the scheduler
		// entirely.
		w.markTerminal(task.TaskID, types.TaskCanceled)
		return w.emitStatus(ctx, task.TaskID, types.TaskCanceled, "", "")
	}

	if err := w.emitStatus(ctx, task.TaskID, types.TaskPreparing, "", ""); err != nil {
		return err
	}

	workdir, err := w.materialize(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to materialize task %s: %w", task.TaskID, err)
	}

	// Cancel may have landed while materializing.
	w.mu.Lock()
	canceled = rec.cancelRequested
	w.mu.Unlock()
	if canceled {
		w.markTerminal(task.TaskID, types.TaskCanceled)
		return w.emitStatus(ctx, task.TaskID, types.TaskCanceled, "", "")
	}

	jobID, err = w.sched.Submit(ctx, scheduler.Script{
		TaskID:    task.TaskID,
		Owner:     task.Owner,
		Workdir:   workdir,
		Commands:  task.Run.Commands,
		Resources: task.Resources,
	})
	if err != nil {
		if errors.Is(err, types.ErrSchedulerRejection) {
			w.markTerminal(task.TaskID, types.TaskFailed)
			return w.emitCompleted(ctx, types.CompletedPayload{
				TaskID: task.TaskID,
				Status: types.TaskFailed,
				Error:  err.Error(),
			})
		}
		return fmt.Errorf("failed to submit task %s: %w", task.TaskID, err)
	}

	w.mu.Lock()
	rec.jobID = jobID
	rec.workdir = workdir
	w.mu.Unlock()

	log.Printf("remote: task %s submitted as job %s", task.TaskID, jobID)
	return w.emitStatus(ctx, task.TaskID, types.TaskQueued, jobID, "")
}

// materialize brings the task's payloads onto the worker's disk and
// returns the run directory. Payloads already present locally (same
// hash, second cache layer) are skipped by the cache manager.
func (w *Worker) materialize(ctx context.Context, task types.Task) (string, error) {
	taskRoot := filepath.Join(w.workRoot, task.TaskID)

	if h := task.Fingerprints.Environment; h != "" {
		if err := w.materializeOnce(ctx, h, types.PayloadEnvironment, filepath.Join(taskRoot, "env")); err != nil {
			return "", err
		}
	}
	projectDir := filepath.Join(taskRoot, "project")
	if h := task.Fingerprints.Project; h != "" {
		if err := w.materializeOnce(ctx, h, types.PayloadProject, projectDir); err != nil {
			return "", err
		}
	}
	for name, h := range task.Fingerprints.Datasets {
		if err := w.materializeOnce(ctx, h, types.PayloadDataset, filepath.Join(taskRoot, "data", name)); err != nil {
			return "", err
		}
	}
	for name, h := range task.Fingerprints.Packages {
		if err := w.materializeOnce(ctx, h, types.PayloadPackage, filepath.Join(taskRoot, "pkgs", name)); err != nil {
			return "", err
		}
	}

	workdir := projectDir
	if task.Run.Workdir != "" && task.Run.Workdir != "." {
		workdir = filepath.Join(projectDir, task.Run.Workdir)
	}
	return workdir, nil
}

// materializeOnce is Materialize plus transparent re-fetch through
// the shared store when the payload is not yet in the local manifest.
func (w *Worker) materializeOnce(ctx context.Context, hash string, class types.PayloadClass, dest string) error {
	err := w.cache.Materialize(ctx, hash, class, dest)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	// Not in the local manifest yet: adopt the object the proxy
	// uploaded. Entry recording follows the same verify-then-record
	// rule as an upload.
	if err := w.cache.Adopt(ctx, hash, class); err != nil {
		return err
	}
	return w.cache.Materialize(ctx, hash, class, dest)
}

// handleCancel stops the job if one exists, or marks intent so a
// later submit is skipped. Either way the proxy gets a canceled
// status and an ack for the cancel message itself.
func (w *Worker) handleCancel(ctx context.Context, msg *types.ControlMessage) error {
	if msg.Cancel == nil {
		return fmt.Errorf("cancel message %s has no payload", msg.MessageID)
	}
	taskID := msg.Cancel.TaskID

	w.mu.Lock()
	rec, exists := w.tasks[taskID]
	if !exists {
		rec = &tracked{task: types.Task{TaskID: taskID}}
		w.tasks[taskID] = rec
	}
	rec.cancelRequested = true
	jobID := rec.jobID
	terminal := rec.terminal
	w.mu.Unlock()

	if terminal {
		// Job already finished; the completion message wins.
		return w.emitAck(ctx, msg.MessageID, taskID)
	}

	if jobID != "" {
		if err := w.sched.Cancel(ctx, jobID); err != nil {
			return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
		}
	}

	w.markTerminal(taskID, types.TaskCanceled)
	if err := w.emitStatus(ctx, taskID, types.TaskCanceled, jobID, ""); err != nil {
		return err
	}
	return w.emitAck(ctx, msg.MessageID, taskID)
}

// handleQuery re-reports the current working status of a task.
func (w *Worker) handleQuery(ctx context.Context, msg *types.ControlMessage) error {
	if msg.Query == nil {
		return fmt.Errorf("query message %s has no payload", msg.MessageID)
	}

	w.mu.Lock()
	rec, exists := w.tasks[msg.Query.TaskID]
	var status types.TaskStatus
	var jobID string
	if exists {
		status = rec.lastSent
		jobID = rec.jobID
	}
	w.mu.Unlock()

	if !exists || status == "" {
		// Unknown here; the proxy's record stands.
		return nil
	}
	return w.emitStatus(ctx, msg.Query.TaskID, status, jobID, "")
}

func (w *Worker) markTerminal(taskID string, status types.TaskStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rec, ok := w.tasks[taskID]; ok {
		rec.terminal = true
		rec.lastSent = status
	}
}

func (w *Worker) emitStatus(ctx context.Context, taskID string, status types.TaskStatus, jobID, errMsg string) error {
	_, err := w.channel.Send(ctx, channel.RemoteToLocal, &types.ControlMessage{
		Kind: types.MsgStatusUpdate,
		Status: &types.StatusPayload{
			TaskID:       taskID,
			Status:       status,
			SchedulerJob: jobID,
			Error:        errMsg,
		},
	})
	if err != nil {
		// lastSent stays behind the real state, so the next
		// reconciliation pass retries the emission.
		return err
	}

	w.mu.Lock()
	if rec, ok := w.tasks[taskID]; ok {
		rec.lastSent = status
	}
	w.mu.Unlock()
	return nil
}

func (w *Worker) emitCompleted(ctx context.Context, payload types.CompletedPayload) error {
	_, err := w.channel.Send(ctx, channel.RemoteToLocal, &types.ControlMessage{
		Kind:      types.MsgTaskCompleted,
		Completed: &payload,
	})
	return err
}

func (w *Worker) emitAck(ctx context.Context, messageID, taskID string) error {
	_, err := w.channel.Send(ctx, channel.RemoteToLocal, &types.ControlMessage{
		Kind: types.MsgAck,
		Ack:  &types.AckPayload{MessageID: messageID, TaskID: taskID},
	})
	return err
}

// heartbeatLoop tells the proxy the worker is alive.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			tracked := 0
			for _, rec := range w.tasks {
				if !rec.terminal {
					tracked++
				}
			}
			w.mu.Unlock()

			_, err := w.channel.Send(ctx, channel.RemoteToLocal, &types.ControlMessage{
				Kind:      types.MsgHeartbeat,
				Heartbeat: &types.HeartbeatPayload{Tracked: tracked},
			})
			if err != nil {
				log.Printf("remote: heartbeat failed: %v", err)
			}
		}
	}
}
