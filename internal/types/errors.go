package types

import "errors"

// Failure taxonomy. Internal failures are wrapped around exactly one
// of these sentinels so callers can classify with errors.Is without
// knowing which component produced the error.
var (
	// ErrTransient marks a store or network hiccup. Retried with
	// backoff, never surfaced as a task failure.
	ErrTransient = errors.New("transient io error")

	// ErrNotFound marks a missing cache entry or unknown task id.
	// Surfaced to the immediate caller, not retried.
	ErrNotFound = errors.New("not found")

	// ErrSchedulerRejection marks a submission the scheduler refused.
	// The task goes terminal Failed with the rejection message.
	ErrSchedulerRejection = errors.New("scheduler rejected submission")

	// ErrExecutionFailure marks a job that ran and failed. The task
	// goes terminal Failed with the exit code.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrProtocolAnomaly marks an out-of-order or duplicate message.
	// Logged and discarded, never propagated to callers.
	ErrProtocolAnomaly = errors.New("protocol anomaly")

	// ErrCacheCorruption marks a materialized payload whose content
	// hash does not match its key. The entry is evicted and the next
	// attempt re-uploads.
	ErrCacheCorruption = errors.New("cache corruption")
)
