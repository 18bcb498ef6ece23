package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/slurmlink/slurmlink/internal/types"
)

// slurmStateMap maps SLURM's native state vocabulary onto the
// system's. States not listed map to StateUnknown and are ignored by
// the reconciler until they resolve.
var slurmStateMap = map[string]JobState{
	"PENDING":       StateQueued,
	"CONFIGURING":   StateQueued,
	"RUNNING":       StateRunning,
	"COMPLETING":    StateRunning,
	"COMPLETED":     StateCompleted,
	"FAILED":        StateFailed,
	"TIMEOUT":       StateFailed,
	"NODE_FAIL":     StateFailed,
	"PREEMPTED":     StateFailed,
	"OUT_OF_MEMORY": StateFailed,
	"CANCELLED":     StateCanceled,
}

var sbatchJobID = regexp.MustCompile(`Submitted batch job (\d+)`)

// Slurm submits and monitors jobs by shelling out to the SLURM
// command-line tools (sbatch, sacct, squeue, scancel).
type Slurm struct {
	// CommandTimeout bounds each tool invocation independent of the
	// caller's context.
	CommandTimeout time.Duration
}

// NewSlurm creates a SLURM backend with a default per-command timeout.
func NewSlurm() *Slurm {
	return &Slurm{CommandTimeout: 30 * time.Second}
}

func (s *Slurm) run(ctx context.Context, name string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Submit writes the batch script under the task's workdir and hands
// it to sbatch. A non-zero sbatch exit is a scheduler rejection.
func (s *Slurm) Submit(ctx context.Context, script Script) (string, error) {
	slurmDir := filepath.Join(script.Workdir, ".slurm")
	if err := os.MkdirAll(slurmDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create slurm directory: %w", err)
	}

	scriptPath := filepath.Join(slurmDir, script.TaskID+".sh")
	if err := os.WriteFile(scriptPath, []byte(GenerateScript(script)), 0o755); err != nil {
		return "", fmt.Errorf("failed to write batch script: %w", err)
	}

	stdout, stderr, err := s.run(ctx, "sbatch", scriptPath)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("sbatch failed: %s: %w", msg, types.ErrSchedulerRejection)
	}

	match := sbatchJobID.FindStringSubmatch(stdout)
	if match == nil {
		return "", fmt.Errorf("could not parse sbatch output %q: %w", strings.TrimSpace(stdout), types.ErrSchedulerRejection)
	}
	return match[1], nil
}

// Status queries sacct (covers finished jobs) and falls back to
// squeue for jobs sacct does not know yet.
func (s *Slurm) Status(ctx context.Context, jobID string) (JobStatus, error) {
	stdout, _, err := s.run(ctx, "sacct",
		"-j", jobID,
		"--format=JobID,State,ExitCode",
		"--noheader", "--parsable2",
	)
	if err == nil {
		if status, ok := parseSacct(stdout); ok {
			return status, nil
		}
	}

	stdout, _, err = s.run(ctx, "squeue", "-j", jobID, "-h", "-o", "%T")
	if err != nil {
		return JobStatus{State: StateUnknown}, fmt.Errorf("failed to query job %s: %w", jobID, types.ErrTransient)
	}
	st := strings.TrimSpace(stdout)
	if st == "" {
		return JobStatus{State: StateUnknown}, nil
	}
	return JobStatus{State: MapSlurmState(st)}, nil
}

// Cancel invokes scancel. scancel succeeds on finished jobs, so no
// special casing is needed.
func (s *Slurm) Cancel(ctx context.Context, jobID string) error {
	_, stderr, err := s.run(ctx, "scancel", jobID)
	if err != nil {
		return fmt.Errorf("scancel %s failed: %s: %w", jobID, strings.TrimSpace(stderr), types.ErrTransient)
	}
	return nil
}

// parseSacct extracts the primary job line from parsable sacct
// output, skipping the .batch and .extern sub-steps.
func parseSacct(out string) (JobStatus, bool) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" || strings.Contains(line, ".batch") || strings.Contains(line, ".extern") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			continue
		}

		status := JobStatus{State: MapSlurmState(parts[1])}
		// ExitCode arrives as "code:signal".
		if len(parts) >= 3 {
			if code, _, found := strings.Cut(parts[2], ":"); found {
				if n, err := strconv.Atoi(code); err == nil {
					status.ExitCode = &n
				}
			}
		}
		return status, true
	}
	return JobStatus{}, false
}

// MapSlurmState maps a raw SLURM state (possibly carrying a reason
// suffix, e.g. "PENDING (Resources)" or "CANCELLED by 1000") onto the
// system vocabulary.
func MapSlurmState(raw string) JobState {
	base := strings.Fields(raw)
	if len(base) == 0 {
		return StateUnknown
	}
	if state, ok := slurmStateMap[base[0]]; ok {
		return state
	}
	return StateUnknown
}

// GenerateScript renders the sbatch script for a submission.
func GenerateScript(script Script) string {
	lines := []string{
		"#!/bin/bash",
		fmt.Sprintf("#SBATCH --job-name=slurmlink_%s", script.TaskID),
		fmt.Sprintf("#SBATCH --output=.slurm/%s.out", script.TaskID),
		fmt.Sprintf("#SBATCH --error=.slurm/%s.err", script.TaskID),
		fmt.Sprintf("#SBATCH --time=%s", script.Resources.TimeLimit),
		fmt.Sprintf("#SBATCH --cpus-per-task=%d", script.Resources.CPUs),
		fmt.Sprintf("#SBATCH --mem=%s", script.Resources.Memory),
	}
	if script.Resources.GPUs > 0 {
		lines = append(lines, fmt.Sprintf("#SBATCH --gres=gpu:%d", script.Resources.GPUs))
	}
	if script.Resources.Partition != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --partition=%s", script.Resources.Partition))
	}

	lines = append(lines,
		"",
		fmt.Sprintf("echo 'Task: %s'", script.TaskID),
		fmt.Sprintf("echo 'Owner: %s'", script.Owner),
		"echo 'Start: '$(date)",
		"",
		fmt.Sprintf("cd %s", script.Workdir),
		"",
	)
	lines = append(lines, script.Commands...)
	lines = append(lines,
		"",
		"echo 'End: '$(date)",
	)
	return strings.Join(lines, "\n") + "\n"
}
