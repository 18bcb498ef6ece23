package types

import "time"

// TaskStatus represents the current state of a task in its lifecycle.
type TaskStatus string

const (
	TaskUploading TaskStatus = "uploading"
	TaskPending   TaskStatus = "pending"
	TaskPreparing TaskStatus = "preparing"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// statusRank orders lifecycle states so that out-of-order status
// messages can be compared. Terminal states share the highest tier;
// cancellation is handled separately by the transition gate.
var statusRank = map[TaskStatus]int{
	TaskUploading: 0,
	TaskPending:   1,
	TaskPreparing: 2,
	TaskQueued:    3,
	TaskRunning:   4,
	TaskCompleted: 5,
	TaskFailed:    5,
	TaskCanceled:  5,
}

// Rank returns the position of the status in the lifecycle ordering.
// Unknown statuses rank below every valid one.
func (s TaskStatus) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// IsTerminal reports whether the status permits no further transition.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// Valid reports whether the status is a member of the lifecycle set.
func (s TaskStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// ResourceRequest describes the compute resources a task asks the
// scheduler for.
type ResourceRequest struct {
	GPUs      int    `json:"gpus"`
	CPUs      int    `json:"cpus"`
	Memory    string `json:"memory"`    // e.g. "8G"
	TimeLimit string `json:"timeLimit"` // e.g. "4:00:00"
	Partition string `json:"partition,omitempty"`
}

// RunSpec describes what to execute once materials are in place.
type RunSpec struct {
	Workdir  string   `json:"workdir"`
	Commands []string `json:"commands"`
}

// FileMap describes which local paths ship with a task and which
// remote paths are collected as results.
type FileMap struct {
	Upload      string   `json:"upload"`
	Ignore      []string `json:"ignore,omitempty"`
	ResultPaths []string `json:"resultPaths,omitempty"`
}

// Fingerprints holds one content hash per payload class shipped with a
// task. Hashes are deterministic over path-qualified byte content, so
// identical payloads always resolve to the same cache entries.
type Fingerprints struct {
	Environment string            `json:"environment,omitempty"`
	Project     string            `json:"project,omitempty"`
	Datasets    map[string]string `json:"datasets,omitempty"` // name -> hash
	Packages    map[string]string `json:"packages,omitempty"` // name -> hash
}

// All returns every fingerprint on the task, keyed by payload class.
func (f Fingerprints) All() map[PayloadClass][]string {
	out := make(map[PayloadClass][]string)
	if f.Environment != "" {
		out[PayloadEnvironment] = []string{f.Environment}
	}
	if f.Project != "" {
		out[PayloadProject] = []string{f.Project}
	}
	for _, h := range f.Datasets {
		out[PayloadDataset] = append(out[PayloadDataset], h)
	}
	for _, h := range f.Packages {
		out[PayloadPackage] = append(out[PayloadPackage], h)
	}
	return out
}

// Usage carries opaque resource-consumption counters reported by the
// remote side on completion. They are stored here, never computed.
type Usage struct {
	CPUSeconds float64 `json:"cpuSeconds"`
	GPUSeconds float64 `json:"gpuSeconds"`
}

// Task is the unit of work tracked end to end. The local proxy owns
// the authoritative record; the remote worker keeps a disposable
// working copy keyed by the same TaskID, rebuildable from a SubmitTask
// message at any time.
type Task struct {
	TaskID       string          `json:"taskId"`
	Owner        string          `json:"owner"`
	Name         string          `json:"name,omitempty"`
	Resources    ResourceRequest `json:"resources"`
	Run          RunSpec         `json:"run"`
	Files        FileMap         `json:"files"`
	Fingerprints Fingerprints    `json:"fingerprints"`
	Status       TaskStatus      `json:"status"`
	SchedulerJob string          `json:"schedulerJob,omitempty"` // external job id, empty until submitted
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	ExitCode     *int            `json:"exitCode,omitempty"`
	Usage        Usage           `json:"usage"`
	Error        string          `json:"error,omitempty"`
	ResultKey    string          `json:"resultKey,omitempty"` // object-store key of the result archive
}
