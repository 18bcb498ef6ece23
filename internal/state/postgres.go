package state

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"

	"github.com/slurmlink/slurmlink/internal/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresStore is a PostgreSQL implementation of TaskStore and of
// the cache Manifest, backing the local proxy's task table and cache
// manifest. Row-level locking gives the same per-task serialization
// the in-memory store gets from per-task mutexes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and applies migrations.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.runMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// runMigrations applies database schema using goose.
func (s *PostgresStore) runMigrations() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const taskColumns = `task_id, owner, name, resources, run, files, fingerprints, status, scheduler_job,
       created_at, updated_at, started_at, completed_at, exit_code,
       usage_cpu_seconds, usage_gpu_seconds, error, result_key`

// AddTask adds a new task to the store.
func (s *PostgresStore) AddTask(task types.Task) error {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM tasks WHERE task_id = $1)", task.TaskID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	if exists {
		return ErrTaskAlreadyExists
	}

	resourcesJSON, err := json.Marshal(task.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	runJSON, err := json.Marshal(task.Run)
	if err != nil {
		return fmt.Errorf("failed to marshal run spec: %w", err)
	}
	filesJSON, err := json.Marshal(task.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal file map: %w", err)
	}
	fingerprintsJSON, err := json.Marshal(task.Fingerprints)
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprints: %w", err)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = s.db.Exec(
		query,
		task.TaskID,
		task.Owner,
		nullString(task.Name),
		resourcesJSON,
		runJSON,
		filesJSON,
		fingerprintsJSON,
		string(task.Status),
		nullString(task.SchedulerJob),
		task.CreatedAt,
		task.UpdatedAt,
		task.StartedAt,
		task.CompletedAt,
		nullInt(task.ExitCode),
		task.Usage.CPUSeconds,
		task.Usage.GPUSeconds,
		nullString(task.Error),
		nullString(task.ResultKey),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(taskID string) (types.Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE task_id = $1", taskID)
	return scanTask(row)
}

// ListTasks returns tasks filtered by owner and status; empty values
// match everything.
func (s *PostgresStore) ListTasks(owner string, status types.TaskStatus) ([]types.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE ($1 = '' OR owner = $1) AND ($2 = '' OR status = $2) ORDER BY created_at DESC"
	rows, err := s.db.Query(query, owner, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]types.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ApplyStatus runs the change through the transition gate inside a
// transaction holding the task's row lock.
func (s *PostgresStore) ApplyStatus(taskID string, change StatusChange) (ApplyResult, types.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Stale, types.Task{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE task_id = $1 FOR UPDATE", taskID)
	task, err := scanTask(row)
	if err != nil {
		return Stale, types.Task{}, err
	}

	result := Transition(&task, change, time.Now())

	_, err = tx.Exec(`
		UPDATE tasks
		SET status = $2, scheduler_job = $3, updated_at = $4, started_at = $5,
		    completed_at = $6, exit_code = $7, usage_cpu_seconds = $8,
		    usage_gpu_seconds = $9, error = $10, result_key = $11
		WHERE task_id = $1
	`,
		task.TaskID,
		string(task.Status),
		nullString(task.SchedulerJob),
		task.UpdatedAt,
		task.StartedAt,
		task.CompletedAt,
		nullInt(task.ExitCode),
		task.Usage.CPUSeconds,
		task.Usage.GPUSeconds,
		nullString(task.Error),
		nullString(task.ResultKey),
	)
	if err != nil {
		return Stale, types.Task{}, fmt.Errorf("failed to update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Stale, types.Task{}, fmt.Errorf("failed to commit status update: %w", err)
	}
	return result, task, nil
}

// DeleteTask removes a task from the store.
func (s *PostgresStore) DeleteTask(taskID string) error {
	result, err := s.db.Exec("DELETE FROM tasks WHERE task_id = $1", taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// GetEntry returns the cache manifest entry for (hash, class).
func (s *PostgresStore) GetEntry(hash string, class types.PayloadClass) (types.CacheEntry, bool, error) {
	var entry types.CacheEntry
	var classStr string
	err := s.db.QueryRow(
		"SELECT hash, class, store_key, size, first_seen, last_used FROM cache_manifest WHERE hash = $1 AND class = $2",
		hash, string(class),
	).Scan(&entry.Hash, &classStr, &entry.StoreKey, &entry.Size, &entry.FirstSeen, &entry.LastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CacheEntry{}, false, nil
	}
	if err != nil {
		return types.CacheEntry{}, false, fmt.Errorf("failed to query cache entry: %w", err)
	}
	entry.Class = types.PayloadClass(classStr)
	return entry, true, nil
}

// PutEntry records a cache manifest entry, replacing any existing one.
func (s *PostgresStore) PutEntry(entry types.CacheEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO cache_manifest (hash, class, store_key, size, first_seen, last_used)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash, class) DO UPDATE SET store_key = $3, size = $4, last_used = $6
	`, entry.Hash, string(entry.Class), entry.StoreKey, entry.Size, entry.FirstSeen, entry.LastUsed)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// TouchEntry updates the last-used timestamp of an entry.
func (s *PostgresStore) TouchEntry(hash string, class types.PayloadClass, usedAt time.Time) error {
	_, err := s.db.Exec(
		"UPDATE cache_manifest SET last_used = $3 WHERE hash = $1 AND class = $2",
		hash, string(class), usedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// DeleteEntry removes a cache manifest entry.
func (s *PostgresStore) DeleteEntry(hash string, class types.PayloadClass) error {
	_, err := s.db.Exec("DELETE FROM cache_manifest WHERE hash = $1 AND class = $2", hash, string(class))
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// ListEntries returns all cache manifest entries.
func (s *PostgresStore) ListEntries() ([]types.CacheEntry, error) {
	rows, err := s.db.Query("SELECT hash, class, store_key, size, first_seen, last_used FROM cache_manifest")
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := make([]types.CacheEntry, 0)
	for rows.Next() {
		var entry types.CacheEntry
		var classStr string
		if err := rows.Scan(&entry.Hash, &classStr, &entry.StoreKey, &entry.Size, &entry.FirstSeen, &entry.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entry.Class = types.PayloadClass(classStr)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (types.Task, error) {
	var task types.Task
	var name, schedulerJob, errorMsg, resultKey sql.NullString
	var statusStr string
	var resourcesJSON, runJSON, filesJSON, fingerprintsJSON []byte
	var startedAt, completedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(
		&task.TaskID,
		&task.Owner,
		&name,
		&resourcesJSON,
		&runJSON,
		&filesJSON,
		&fingerprintsJSON,
		&statusStr,
		&schedulerJob,
		&task.CreatedAt,
		&task.UpdatedAt,
		&startedAt,
		&completedAt,
		&exitCode,
		&task.Usage.CPUSeconds,
		&task.Usage.GPUSeconds,
		&errorMsg,
		&resultKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}

	if err := json.Unmarshal(resourcesJSON, &task.Resources); err != nil {
		return types.Task{}, fmt.Errorf("failed to unmarshal resources: %w", err)
	}
	if err := json.Unmarshal(runJSON, &task.Run); err != nil {
		return types.Task{}, fmt.Errorf("failed to unmarshal run spec: %w", err)
	}
	if err := json.Unmarshal(filesJSON, &task.Files); err != nil {
		return types.Task{}, fmt.Errorf("failed to unmarshal file map: %w", err)
	}
	if err := json.Unmarshal(fingerprintsJSON, &task.Fingerprints); err != nil {
		return types.Task{}, fmt.Errorf("failed to unmarshal fingerprints: %w", err)
	}

	task.Status = types.TaskStatus(statusStr)
	task.Name = name.String
	task.SchedulerJob = schedulerJob.String
	task.Error = errorMsg.String
	task.ResultKey = resultKey.String
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	return task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
