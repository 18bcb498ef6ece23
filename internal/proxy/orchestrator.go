// Package proxy implements the local side: the authoritative task
// store, the submission pipeline through the content-addressed cache,
// and the consumption loop that applies remote status messages
// through the lifecycle transition gate.
package proxy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/slurmlink/slurmlink/internal/cache"
	"github.com/slurmlink/slurmlink/internal/channel"
	"github.com/slurmlink/slurmlink/internal/metrics"
	"github.com/slurmlink/slurmlink/internal/state"
	"github.com/slurmlink/slurmlink/internal/store"
	"github.com/slurmlink/slurmlink/internal/types"
)

// ErrNoResults is returned by Fetch before any result archive exists.
var ErrNoResults = fmt.Errorf("task results %w", types.ErrNotFound)

// SubmitRequest is everything a caller provides to enqueue a task.
type SubmitRequest struct {
	Owner     string
	Name      string
	Resources types.ResourceRequest
	Run       types.RunSpec
	Files     types.FileMap
	EnvDir    string            // optional environment directory
	Datasets  map[string]string // name -> local directory
	Packages  map[string]string // name -> local directory
}

// Orchestrator wires the cache, the channel, and the task store into
// the operations the CLI and web layer call.
type Orchestrator struct {
	store   store.ObjectStore
	channel channel.Channel
	cache   *cache.Manager
	tasks   state.TaskStore

	receiveTimeout time.Duration

	mu            sync.Mutex
	lastHeartbeat time.Time
	remoteTracked int

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewOrchestrator creates the local orchestrator.
func NewOrchestrator(s store.ObjectStore, ch channel.Channel, cacheManager *cache.Manager, tasks state.TaskStore) *Orchestrator {
	return &Orchestrator{
		store:          s,
		channel:        ch,
		cache:          cacheManager,
		tasks:          tasks,
		receiveTimeout: 5 * time.Second,
		stopChan:       make(chan struct{}),
	}
}

// Pinned returns the cache pin function over the task store: an entry
// referenced by any non-terminal task must not be evicted.
func Pinned(tasks state.TaskStore) cache.PinFunc {
	return func(hash string, class types.PayloadClass) bool {
		active, err := tasks.ListTasks("", "")
		if err != nil {
			// Fail safe: if the store cannot answer, treat the entry
			// as pinned.
			return true
		}
		for _, task := range active {
			if task.Status.IsTerminal() {
				continue
			}
			for c, hashes := range task.Fingerprints.All() {
				if c != class {
					continue
				}
				for _, h := range hashes {
					if h == hash {
						return true
					}
				}
			}
		}
		return false
	}
}

// Submit hashes the request's payloads, uploads the missing ones, and
// hands the task to the remote worker over the channel. The task is
// visible in Uploading state while payloads transfer.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (types.Task, error) {
	fingerprints, err := o.fingerprint(req)
	if err != nil {
		return types.Task{}, err
	}

	now := time.Now()
	task := types.Task{
		TaskID:       newTaskID(),
		Owner:        req.Owner,
		Name:         req.Name,
		Resources:    req.Resources,
		Run:          req.Run,
		Files:        req.Files,
		Fingerprints: fingerprints,
		Status:       types.TaskUploading,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.tasks.AddTask(task); err != nil {
		return types.Task{}, err
	}
	o.refreshStatusGauge()

	if err := o.uploadPayloads(ctx, req, fingerprints); err != nil {
		_, failed, applyErr := o.tasks.ApplyStatus(task.TaskID, state.StatusChange{
			Status: types.TaskFailed,
			Error:  err.Error(),
		})
		if applyErr != nil {
			log.Printf("proxy: failed to mark task %s failed: %v", task.TaskID, applyErr)
			return types.Task{}, err
		}
		o.refreshStatusGauge()
		return failed, err
	}

	_, task, err = o.tasks.ApplyStatus(task.TaskID, state.StatusChange{Status: types.TaskPending})
	if err != nil {
		return types.Task{}, err
	}

	_, err = o.channel.Send(ctx, channel.LocalToRemote, &types.ControlMessage{
		Kind:   types.MsgSubmitTask,
		Submit: &types.SubmitPayload{Task: task},
	})
	if err != nil {
		return task, fmt.Errorf("failed to send submit message: %w", err)
	}

	o.refreshStatusGauge()
	log.Printf("proxy: task %s submitted by %s", task.TaskID, task.Owner)
	return task, nil
}

// fingerprint computes one content hash per payload class.
func (o *Orchestrator) fingerprint(req SubmitRequest) (types.Fingerprints, error) {
	var fp types.Fingerprints

	if req.Files.Upload != "" {
		h, err := cache.HashDir(req.Files.Upload, req.Files.Ignore)
		if err != nil {
			return fp, fmt.Errorf("failed to hash project: %w", err)
		}
		fp.Project = h
	}
	if req.EnvDir != "" {
		h, err := cache.HashDir(req.EnvDir, nil)
		if err != nil {
			return fp, fmt.Errorf("failed to hash environment: %w", err)
		}
		fp.Environment = h
	}
	for name, dir := range req.Datasets {
		h, err := cache.HashDir(dir, nil)
		if err != nil {
			return fp, fmt.Errorf("failed to hash dataset %s: %w", name, err)
		}
		if fp.Datasets == nil {
			fp.Datasets = make(map[string]string)
		}
		fp.Datasets[name] = h
	}
	for name, dir := range req.Packages {
		h, err := cache.HashDir(dir, nil)
		if err != nil {
			return fp, fmt.Errorf("failed to hash package %s: %w", name, err)
		}
		if fp.Packages == nil {
			fp.Packages = make(map[string]string)
		}
		fp.Packages[name] = h
	}
	return fp, nil
}

// uploadPayloads puts every payload through the cache; hits skip the
// transfer entirely.
func (o *Orchestrator) uploadPayloads(ctx context.Context, req SubmitRequest, fp types.Fingerprints) error {
	if fp.Project != "" {
		if _, err := o.cache.Put(ctx, fp.Project, types.PayloadProject, req.Files.Upload, req.Files.Ignore); err != nil {
			return err
		}
	}
	if fp.Environment != "" {
		if _, err := o.cache.Put(ctx, fp.Environment, types.PayloadEnvironment, req.EnvDir, nil); err != nil {
			return err
		}
	}
	for name, dir := range req.Datasets {
		if _, err := o.cache.Put(ctx, fp.Datasets[name], types.PayloadDataset, dir, nil); err != nil {
			return err
		}
	}
	for name, dir := range req.Packages {
		if _, err := o.cache.Put(ctx, fp.Packages[name], types.PayloadPackage, dir, nil); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the authoritative task snapshot.
func (o *Orchestrator) Status(taskID string) (types.Task, error) {
	return o.tasks.GetTask(taskID)
}

// List returns task snapshots filtered by owner and optional status.
func (o *Orchestrator) List(owner string, status types.TaskStatus) ([]types.Task, error) {
	return o.tasks.ListTasks(owner, status)
}

// Cancel applies the cancellation locally (it must win races against
// in-flight progress updates) and tells the remote worker to stop the
// job. Canceling an already terminal task is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (types.Task, error) {
	result, task, err := o.tasks.ApplyStatus(taskID, state.StatusChange{Status: types.TaskCanceled})
	if err != nil {
		return types.Task{}, err
	}
	if result == state.Terminal {
		return task, nil
	}
	o.refreshStatusGauge()

	_, err = o.channel.Send(ctx, channel.LocalToRemote, &types.ControlMessage{
		Kind:   types.MsgCancelTask,
		Cancel: &types.CancelPayload{TaskID: taskID},
	})
	if err != nil {
		return task, fmt.Errorf("failed to send cancel message: %w", err)
	}
	log.Printf("proxy: task %s canceled", taskID)
	return task, nil
}

// OpenResults returns a stream over the task's result archive. The
// caller closes it.
func (o *Orchestrator) OpenResults(ctx context.Context, taskID string) (io.ReadCloser, error) {
	task, err := o.tasks.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.ResultKey == "" {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoResults)
	}

	rc, err := o.store.Download(ctx, task.ResultKey)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNoResults)
		}
		return nil, fmt.Errorf("failed to download results for %s: %w", taskID, err)
	}
	return rc, nil
}

// Fetch downloads the task's result archive and unpacks it into dest.
// Returns the store key the results came from.
func (o *Orchestrator) Fetch(ctx context.Context, taskID, dest string) (string, error) {
	task, err := o.tasks.GetTask(taskID)
	if err != nil {
		return "", err
	}

	rc, err := o.OpenResults(ctx, taskID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if err := cache.UnpackDir(rc, dest); err != nil {
		return "", fmt.Errorf("failed to unpack results for %s: %w", taskID, err)
	}
	return task.ResultKey, nil
}

// RemoteHealth reports the last heartbeat seen from the remote worker
// and how many tasks it said it was tracking.
func (o *Orchestrator) RemoteHealth() (time.Time, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastHeartbeat, o.remoteTracked
}

// Stop signals the message loop to exit.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopChan) })
}

// Run consumes remote-to-local messages until Stop or context
// cancellation, re-scanning the pending set first so nothing is
// skipped after a crash.
func (o *Orchestrator) Run(ctx context.Context) error {
	pending, err := o.channel.ListPending(ctx, channel.RemoteToLocal)
	if err != nil {
		return fmt.Errorf("failed to re-scan pending messages: %w", err)
	}
	if len(pending) > 0 {
		log.Printf("proxy: %d pending messages found on startup", len(pending))
	}
	for _, msg := range pending {
		o.dispatch(ctx, msg)
	}

	for {
		select {
		case <-o.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := o.channel.Receive(ctx, channel.RemoteToLocal, o.receiveTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("proxy: receive failed: %v", err)
			continue
		}
		if msg == nil {
			continue // timeout, loop again
		}
		o.dispatch(ctx, msg)
	}
}

// dispatch applies one inbound message and acks it. Every path acks:
// messages for terminal or unknown tasks would otherwise redeliver
// forever.
func (o *Orchestrator) dispatch(ctx context.Context, msg *types.ControlMessage) {
	switch msg.Kind {
	case types.MsgStatusUpdate:
		if msg.Status != nil {
			o.apply(msg.Status.TaskID, state.StatusChange{
				Status:       msg.Status.Status,
				SchedulerJob: msg.Status.SchedulerJob,
				Error:        msg.Status.Error,
			})
		}
	case types.MsgTaskCompleted:
		if msg.Completed != nil {
			o.apply(msg.Completed.TaskID, state.StatusChange{
				Status:    msg.Completed.Status,
				ExitCode:  msg.Completed.ExitCode,
				Usage:     &msg.Completed.Usage,
				Error:     msg.Completed.Error,
				ResultKey: msg.Completed.ResultKey,
			})
		}
	case types.MsgHeartbeat:
		if msg.Heartbeat != nil {
			o.mu.Lock()
			o.lastHeartbeat = time.Now()
			o.remoteTracked = msg.Heartbeat.Tracked
			o.mu.Unlock()
		}
	case types.MsgAck:
		// Confirmation of a processed intent; informational.
	default:
		log.Printf("proxy: ignoring message %s of kind %s", msg.MessageID, msg.Kind)
	}

	if err := o.channel.Ack(ctx, channel.RemoteToLocal, msg.MessageID); err != nil {
		log.Printf("proxy: failed to ack message %s: %v", msg.MessageID, err)
	}
}

// apply pushes a change through the transition gate. Stale messages
// are discarded with a logged anomaly; they are never an error.
func (o *Orchestrator) apply(taskID string, change state.StatusChange) {
	result, task, err := o.tasks.ApplyStatus(taskID, change)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			metrics.ProtocolAnomalies.Inc()
			log.Printf("proxy: status for unknown task %s discarded: %v", taskID, types.ErrProtocolAnomaly)
			return
		}
		log.Printf("proxy: failed to apply status for task %s: %v", taskID, err)
		return
	}

	switch result {
	case state.Applied:
		o.refreshStatusGauge()
		log.Printf("proxy: task %s -> %s", taskID, task.Status)
	case state.Stale:
		metrics.ProtocolAnomalies.Inc()
		log.Printf("proxy: stale status %s for task %s discarded (current %s): %v",
			change.Status, taskID, task.Status, types.ErrProtocolAnomaly)
	case state.Duplicate, state.Terminal:
		// Redelivery; nothing to do beyond the ack.
	}
}

// refreshStatusGauge recomputes the tasks-by-status gauge.
func (o *Orchestrator) refreshStatusGauge() {
	tasks, err := o.tasks.ListTasks("", "")
	if err != nil {
		return
	}
	counts := make(map[types.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	for _, s := range []types.TaskStatus{
		types.TaskUploading, types.TaskPending, types.TaskPreparing, types.TaskQueued,
		types.TaskRunning, types.TaskCompleted, types.TaskFailed, types.TaskCanceled,
	} {
		metrics.TasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// newTaskID generates a task identifier.
func newTaskID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			panic(err)
		}
		b[i] = letters[idx.Int64()]
	}
	return time.Now().Format("20060102") + "-" + string(b)
}
