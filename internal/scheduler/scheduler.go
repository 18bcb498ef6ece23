// Package scheduler wraps the external batch scheduler that actually
// runs work. The remote worker only ever sees this interface; which
// backend sits behind it is a startup configuration choice.
package scheduler

import (
	"context"

	"github.com/slurmlink/slurmlink/internal/types"
)

// JobState is the scheduler's status vocabulary after mapping to the
// system's terms.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCanceled  JobState = "canceled"
	StateUnknown   JobState = "unknown"
)

// JobStatus is one observation of a job's state.
type JobStatus struct {
	State    JobState
	ExitCode *int
}

// Script is the submission artifact: everything a backend needs to
// start a job once the task's materials are in place under Workdir.
type Script struct {
	TaskID    string
	Owner     string
	Workdir   string
	Commands  []string
	Resources types.ResourceRequest
}

// Scheduler is the contract consumed by the reconciliation loop. All
// operations honor the context's deadline; a scheduler that hangs
// must not stall the polling loop.
type Scheduler interface {
	// Submit starts the job and returns the scheduler's job id.
	Submit(ctx context.Context, script Script) (string, error)

	// Status reports the job's current state.
	Status(ctx context.Context, jobID string) (JobStatus, error)

	// Cancel stops the job. Canceling an already finished job is not
	// an error.
	Cancel(ctx context.Context, jobID string) error
}
