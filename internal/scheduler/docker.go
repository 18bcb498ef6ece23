package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Docker runs jobs in containers on the worker host itself, for
// deployments without a SLURM installation (a single GPU box, CI).
// The container id doubles as the scheduler job id. Finished
// containers are kept until Cancel or process restart so Status can
// still read their exit code.
type Docker struct {
	cli   *client.Client
	image string
}

// NewDocker creates a docker backend running jobs in the given image.
func NewDocker(imageName string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli, image: imageName}, nil
}

// Close closes the docker client connection.
func (d *Docker) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

// Submit pulls the job image, creates a container with the task
// workdir bind-mounted, and starts it.
func (d *Docker) Submit(ctx context.Context, script Script) (string, error) {
	reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", d.image, err)
	}
	_, copyErr := io.Copy(io.Discard, reader)
	reader.Close()
	if copyErr != nil {
		return "", fmt.Errorf("failed to read image pull output: %w", copyErr)
	}

	config := &container.Config{
		Image:      d.image,
		Cmd:        []string{"/bin/sh", "-c", strings.Join(script.Commands, " && ")},
		WorkingDir: "/workdir",
		Labels:     map[string]string{"slurmlink.task": script.TaskID},
	}
	hostConfig := &container.HostConfig{
		Binds: []string{script.Workdir + ":/workdir"},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

// Status inspects the container and maps its state.
func (d *Docker) Status(ctx context.Context, jobID string) (JobStatus, error) {
	inspect, err := d.cli.ContainerInspect(ctx, jobID)
	if err != nil {
		return JobStatus{State: StateUnknown}, fmt.Errorf("failed to inspect container %s: %w", jobID, err)
	}

	state := inspect.State
	switch {
	case state == nil:
		return JobStatus{State: StateUnknown}, nil
	case state.Running:
		return JobStatus{State: StateRunning}, nil
	case state.Status == "created":
		return JobStatus{State: StateQueued}, nil
	default:
		code := state.ExitCode
		status := JobStatus{ExitCode: &code}
		if code == 0 {
			status.State = StateCompleted
		} else {
			status.State = StateFailed
		}
		return status, nil
	}
}

// Cancel stops and removes the container.
func (d *Docker) Cancel(ctx context.Context, jobID string) error {
	timeout := 10 // seconds
	if err := d.cli.ContainerStop(ctx, jobID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", jobID, err)
	}
	if err := d.cli.ContainerRemove(ctx, jobID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", jobID, err)
	}
	return nil
}
