package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/shared/model"
)

// DockerDriver runs workloads as Docker containers, named after the
// workload so repeated calls are idempotent and State can always be
// recovered by inspecting the daemon rather than trusting in-memory state
// alone. Workload.RuntimeConfig is the image reference to run.
type DockerDriver struct {
	log *zap.Logger
	cli *client.Client

	mu      sync.Mutex
	lastErr map[string]error
}

// NewDockerDriver connects to the local Docker daemon using the standard
// DOCKER_HOST / TLS environment variables.
func NewDockerDriver(log *zap.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to docker: %w", err)
	}
	return &DockerDriver{
		log:     log.Named("runtime.docker"),
		cli:     cli,
		lastErr: make(map[string]error),
	}, nil
}

func containerName(workloadName string) string {
	return "ank_" + workloadName
}

func (d *DockerDriver) Start(ctx context.Context, name string, w model.Workload) error {
	cname := containerName(name)

	// Idempotent: a container already running under this name with the
	// same image is left alone rather than restarted, so a reconnect's
	// initial assignment push doesn't churn already-healthy workloads. A
	// running container with a different image is replaced.
	if existing, err := d.cli.ContainerInspect(ctx, cname); err == nil && existing.State != nil && existing.State.Running &&
		existing.Config != nil && existing.Config.Image == w.RuntimeConfig {
		return nil
	}

	_ = d.cli.ContainerRemove(ctx, cname, container.RemoveOptions{Force: true})

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: w.RuntimeConfig,
		Labels: map[string]string{
			"io.ankaios.workload": name,
		},
	}, &container.HostConfig{}, nil, nil, cname)
	if err != nil {
		d.recordErr(name, err)
		return fmt.Errorf("runtime: create container for %q: %w", name, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.recordErr(name, err)
		return fmt.Errorf("runtime: start container for %q: %w", name, err)
	}
	d.recordErr(name, nil)
	return nil
}

func (d *DockerDriver) Stop(ctx context.Context, name string) error {
	cname := containerName(name)
	if err := d.cli.ContainerStop(ctx, cname, container.StopOptions{}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("runtime: stop container for %q: %w", name, err)
	}
	if err := d.cli.ContainerRemove(ctx, cname, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("runtime: remove container for %q: %w", name, err)
	}
	return nil
}

func (d *DockerDriver) State(name string) model.ExecutionState {
	insp, err := d.cli.ContainerInspect(context.Background(), containerName(name))
	if err != nil {
		if client.IsErrNotFound(err) {
			return model.ExecRemoved
		}
		return model.ExecUnknown
	}
	if insp.State == nil {
		return model.ExecUnknown
	}
	switch {
	case insp.State.Running:
		return model.ExecRunning
	case insp.State.Status == "created":
		return model.ExecStarting
	case insp.State.ExitCode == 0 && insp.State.Status == "exited":
		return model.ExecSucceeded
	case insp.State.Status == "exited":
		return model.ExecFailed
	case insp.State.Status == "removing":
		return model.ExecStopping
	default:
		return model.ExecUnknown
	}
}

func (d *DockerDriver) recordErr(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr[name] = err
}

// LastError returns the most recent error Start recorded for name, or nil.
func (d *DockerDriver) LastError(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr[name]
}

var errDockerUnavailable = errors.New("runtime: docker daemon unavailable")

// Ping verifies connectivity to the daemon, used at startup to decide
// whether DockerDriver can be used at all or the agent should fall back to
// FakeDriver (development mode, spec §9 Open Question on runtime fallback).
func (d *DockerDriver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", errDockerUnavailable, err)
	}
	return nil
}
