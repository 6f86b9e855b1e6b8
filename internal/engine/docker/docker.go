// Package docker implements the container engine contract against a
// Docker-API-compatible socket. This covers the Docker daemon as well as
// Podman's compatibility socket, which is the rootless single-host setup.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"rulehive/internal/core"
	"rulehive/internal/engine"
	"rulehive/pkg/logging"
)

const subsystem = "DockerEngine"

// Engine talks to a Docker-compatible daemon.
type Engine struct {
	cli client.APIClient
}

// New connects to the daemon configured through the standard DOCKER_HOST /
// DOCKER_API_VERSION environment, with API version negotiation so the same
// binary works against Docker and Podman sockets.
func New() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
	}
	return &Engine{cli: cli}, nil
}

// NewWithClient builds an Engine around an existing API client. Used by
// tests.
func NewWithClient(cli client.APIClient) *Engine {
	return &Engine{cli: cli}
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", engine.ErrContainerNotFound, err)
	case errdefs.IsUnauthorized(err):
		return fmt.Errorf("%w: %v", engine.ErrAuthFailed, err)
	case client.IsErrConnectionFailed(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
	}
	return err
}

// Start pulls the image if required, creates the worker container and
// starts it.
func (e *Engine) Start(ctx context.Context, req engine.ContainerRequest, logs engine.LogHandler) (string, error) {
	if req.PullPolicy == "Always" {
		if err := e.pullImage(ctx, req, logs); err != nil {
			return "", &engine.StartError{Err: err}
		}
	}

	cfg := &container.Config{
		Image: req.Image,
		Cmd:   append(req.CmdLine.Args(), req.ExtraArgs...),
		// Raw log stream, no stream multiplexing to undo on read.
		Tty: true,
	}
	for k, v := range req.EnvVars {
		cfg.Env = append(cfg.Env, fmt.Sprintf("%s=%s", k, v))
	}

	host := &container.HostConfig{}
	if req.MemLimit != "" {
		bytes, err := units.RAMInBytes(req.MemLimit)
		if err != nil {
			return "", &engine.StartError{Err: fmt.Errorf("invalid memory limit %q: %w", req.MemLimit, err)}
		}
		host.Resources = container.Resources{Memory: bytes}
	}
	for src, dst := range req.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{Type: mount.TypeBind, Source: src, Target: dst})
	}
	if len(req.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		host.PortBindings = nat.PortMap{}
		for _, p := range req.Ports {
			port := nat.Port(fmt.Sprintf("%d/tcp", p))
			cfg.ExposedPorts[port] = struct{}{}
			host.PortBindings[port] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", p)}}
		}
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, req.Name)
	if err != nil {
		return "", &engine.StartError{Err: classify(err)}
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", &engine.StartError{Err: classify(err)}
	}

	logging.Info(subsystem, "Started container %s for process %d", created.ID, req.ProcessID)
	_ = logs.Write(fmt.Sprintf("Container %s started with image %s", created.ID, req.Image))
	_ = logs.Flush()
	return created.ID, nil
}

func (e *Engine) pullImage(ctx context.Context, req engine.ContainerRequest, logs engine.LogHandler) error {
	rc, err := e.cli.ImagePull(ctx, req.Image, image.PullOptions{})
	if err != nil {
		if errdefs.IsUnauthorized(err) {
			return fmt.Errorf("%w: %v", engine.ErrAuthFailed, err)
		}
		if client.IsErrConnectionFailed(err) {
			return fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
		}
		return fmt.Errorf("%w: %v", engine.ErrImagePull, err)
	}
	defer rc.Close()
	// The pull completes when the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrImagePull, err)
	}
	_ = logs.Write(fmt.Sprintf("Pulled image %s", req.Image))
	return nil
}

// Cleanup stops and removes the container. A container that is already
// gone is not an error.
func (e *Engine) Cleanup(ctx context.Context, containerID string, logs engine.LogHandler) error {
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return &engine.CleanupError{Err: classify(err)}
	}
	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return &engine.CleanupError{Err: classify(err)}
	}
	_ = logs.Write(fmt.Sprintf("Container %s removed", containerID))
	_ = logs.Flush()
	return nil
}

// GetStatus maps the daemon's container state onto the process status
// vocabulary.
func (e *Engine) GetStatus(ctx context.Context, containerID string) (engine.ContainerStatus, error) {
	info, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return engine.ContainerStatus{}, classify(err)
	}
	state := info.State
	if state == nil {
		return engine.ContainerStatus{Status: core.StatusError, Message: "container has no state"}, nil
	}
	switch state.Status {
	case "created", "running", "paused", "restarting":
		return engine.ContainerStatus{Status: core.StatusRunning}, nil
	case "exited", "dead":
		if state.ExitCode == 0 {
			return engine.ContainerStatus{Status: core.StatusCompleted}, nil
		}
		return engine.ContainerStatus{
			Status:  core.StatusFailed,
			Message: fmt.Sprintf("Container exited with code %d. %s", state.ExitCode, state.Error),
		}, nil
	}
	return engine.ContainerStatus{
		Status:  core.StatusError,
		Message: fmt.Sprintf("unexpected container state %q", state.Status),
	}, nil
}

// UpdateLogs streams container output produced since the last read into
// the handler.
func (e *Engine) UpdateLogs(ctx context.Context, containerID string, logs engine.LogHandler) error {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	if since := logs.LogReadAt(); !since.IsZero() {
		opts.Since = since.Format(time.RFC3339Nano)
	}
	rc, err := e.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return &engine.LogsError{Err: classify(err)}
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := logs.Write(scanner.Text()); err != nil {
			return &engine.LogsError{Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return &engine.LogsError{Err: err}
	}
	logs.SetLogReadAt(time.Now())
	return logs.Flush()
}
