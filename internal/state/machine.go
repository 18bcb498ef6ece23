// Package state holds the authoritative task records on the local
// proxy and the lifecycle transition gate both sides apply status
// messages through. Delivery is at-least-once and unordered, so the
// gate is what keeps duplicated and reordered messages harmless.
package state

import (
	"time"

	"github.com/slurmlink/slurmlink/internal/types"
)

// StatusChange is one proposed mutation of a task, usually decoded
// from an inbound status or completion message.
type StatusChange struct {
	Status       types.TaskStatus
	SchedulerJob string
	ExitCode     *int
	Usage        *types.Usage
	Error        string
	ResultKey    string
}

// ApplyResult classifies the outcome of a proposed transition.
type ApplyResult int

const (
	// Applied means the status moved forward (or the cancellation
	// override fired).
	Applied ApplyResult = iota

	// Duplicate means the incoming status equals the current one; a
	// redelivery, harmless.
	Duplicate

	// Stale means the incoming status is earlier in the ordering than
	// the current one and was discarded.
	Stale

	// Terminal means the task had already reached a terminal state;
	// nothing changes, the message is acknowledged to stop
	// redelivery.
	Terminal
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Transition applies the change to the task in place and reports what
// happened. Callers must hold whatever lock serializes updates to
// this task id: the read-compare-write here is one critical section.
//
// The gate: a status is applied only if strictly later than the
// current one in the lifecycle ordering; an equal status is a no-op
// duplicate; an earlier one is discarded as stale. Cancellation
// overrides from any non-terminal state, but never overwrites a
// completed or failed task. Terminal states are sticky.
//
// Auxiliary fields (scheduler job id, exit code, usage, error,
// result key) are last-write-wins and bypass the ordering gate, so a
// redelivered or stale message can still refresh them. Tasks already
// terminal never change at all.
func Transition(task *types.Task, change StatusChange, now time.Time) ApplyResult {
	if task.Status.IsTerminal() {
		return Terminal
	}

	result := gate(task.Status, change.Status)
	if result == Applied {
		task.Status = change.Status
		if change.Status == types.TaskRunning && task.StartedAt == nil {
			t := now
			task.StartedAt = &t
		}
		if change.Status.IsTerminal() && task.CompletedAt == nil {
			t := now
			task.CompletedAt = &t
		}
	}

	applyAux(task, change)
	task.UpdatedAt = now
	return result
}

func gate(current, incoming types.TaskStatus) ApplyResult {
	if incoming == current {
		return Duplicate
	}
	if incoming == types.TaskCanceled {
		// Caller-driven cancellation wins races against
		// scheduler-originated progress, from any non-terminal state.
		return Applied
	}
	if incoming.Rank() > current.Rank() {
		return Applied
	}
	return Stale
}

func applyAux(task *types.Task, change StatusChange) {
	// The external job id is assigned exactly once.
	if task.SchedulerJob == "" && change.SchedulerJob != "" {
		task.SchedulerJob = change.SchedulerJob
	}
	if change.ExitCode != nil {
		task.ExitCode = change.ExitCode
	}
	if change.Usage != nil {
		task.Usage = *change.Usage
	}
	if change.Error != "" {
		task.Error = change.Error
	}
	if change.ResultKey != "" {
		task.ResultKey = change.ResultKey
	}
}
