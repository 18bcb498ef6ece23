package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slurmlink/slurmlink/internal/types"
)

var (
	// ErrTaskNotFound is returned when a task is not in the store.
	ErrTaskNotFound = fmt.Errorf("task %w", types.ErrNotFound)

	// ErrTaskAlreadyExists is returned when adding a duplicate task id.
	ErrTaskAlreadyExists = errors.New("task already exists")
)

// TaskStore is the persistence contract for authoritative task
// records. ApplyStatus must evaluate the transition gate and write
// the result as one atomic step per task id; updates to different
// tasks may proceed concurrently.
type TaskStore interface {
	AddTask(task types.Task) error
	GetTask(taskID string) (types.Task, error)
	ListTasks(owner string, status types.TaskStatus) ([]types.Task, error)
	ApplyStatus(taskID string, change StatusChange) (ApplyResult, types.Task, error)
	DeleteTask(taskID string) error
}

// InMemoryStore is a thread-safe in-memory TaskStore. A global lock
// guards the maps; a per-task lock serializes status application for
// each task id so the gate's read-compare-write is atomic without
// blocking unrelated tasks.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]types.Task
	locks map[string]*sync.Mutex
}

// NewInMemoryStore creates a new in-memory task store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks: make(map[string]types.Task),
		locks: make(map[string]*sync.Mutex),
	}
}

// AddTask adds a new task to the store.
func (s *InMemoryStore) AddTask(task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return ErrTaskAlreadyExists
	}
	s.tasks[task.TaskID] = task
	s.locks[task.TaskID] = &sync.Mutex{}
	return nil
}

// GetTask retrieves a task by ID.
func (s *InMemoryStore) GetTask(taskID string) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return types.Task{}, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns tasks filtered by owner and status; empty values
// match everything.
func (s *InMemoryStore) ListTasks(owner string, status types.TaskStatus) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]types.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if owner != "" && task.Owner != owner {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ApplyStatus runs the change through the transition gate under the
// task's lock and persists the outcome. Returns the gate result and
// the task as stored afterwards.
func (s *InMemoryStore) ApplyStatus(taskID string, change StatusChange) (ApplyResult, types.Task, error) {
	s.mu.RLock()
	lock, exists := s.locks[taskID]
	s.mu.RUnlock()
	if !exists {
		return Stale, types.Task{}, ErrTaskNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return Stale, types.Task{}, ErrTaskNotFound
	}

	result := Transition(&task, change, time.Now())

	s.mu.Lock()
	s.tasks[taskID] = task
	s.mu.Unlock()

	return result, task, nil
}

// DeleteTask removes a task from the store.
func (s *InMemoryStore) DeleteTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	delete(s.locks, taskID)
	return nil
}
