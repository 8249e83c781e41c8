// Package docker implements the container tool category (spec.md §4.11):
// running a short-lived container and capturing its logs, via the real
// Moby client SDK rather than shelling out to the docker CLI.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/registry"
)

const runTimeout = 2 * time.Minute

// RunContainer implements registry.Tool for docker.run_container: creates,
// starts, waits for, and removes a container, returning its combined
// stdout/stderr. It does not pull the image. Always routed through HITL —
// running arbitrary container images is the highest-blast-radius tool in
// the catalog.
type RunContainer struct {
	// NewClient constructs the Docker API client; overridable in tests.
	NewClient func() (APIClient, error)
}

// APIClient is the subset of *client.Client this tool depends on, kept
// narrow so a fake can stand in for tests that can't reach a real daemon.
type APIClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig interface{}, platform interface{}, containerName string) (CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// CreateResponse mirrors container.CreateResponse to keep APIClient
// decoupled from the SDK's exact return type across versions.
type CreateResponse struct {
	ID string
}

func NewRunContainer() RunContainer {
	return RunContainer{NewClient: defaultClient}
}

func defaultClient() (APIClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &sdkClient{cli: cli}, nil
}

// sdkClient adapts *client.Client to the APIClient interface.
type sdkClient struct {
	cli *client.Client
}

func (s *sdkClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ interface{}, _ interface{}, name string) (CreateResponse, error) {
	resp, err := s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{ID: resp.ID}, nil
}

func (s *sdkClient) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return s.cli.ContainerStart(ctx, id, opts)
}

func (s *sdkClient) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return s.cli.ContainerWait(ctx, id, cond)
}

func (s *sdkClient) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	return s.cli.ContainerLogs(ctx, id, opts)
}

func (s *sdkClient) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	return s.cli.ContainerRemove(ctx, id, opts)
}

func (s *sdkClient) Close() error { return s.cli.Close() }

func (RunContainer) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "docker",
		Name:        "run_container",
		Description: "Run a short-lived container to completion and return its combined output.",
		Params: []registry.ParamSchema{
			{Name: "image", Type: "string", Required: true},
			{Name: "command", Type: "array", Required: false},
		},
		RequiresHITL: true,
	}
}

func (t RunContainer) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "docker.run_container"

	image, ok := params["image"].(string)
	if !ok || image == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "image is required")
	}

	var cmd []string
	if rawCmd, ok := params["command"].([]interface{}); ok {
		for _, c := range rawCmd {
			if s, ok := c.(string); ok {
				cmd = append(cmd, s)
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	cli, err := t.NewClient()
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	defer cli.Close()

	created, err := cli.ContainerCreate(runCtx, &container.Config{Image: image, Cmd: cmd}, &container.HostConfig{AutoRemove: false}, nil, nil, "")
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, fmt.Errorf("creating container: %w", err))
	}
	defer cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})

	if err := cli.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return nil, core.Wrap(core.KindInternal, op, fmt.Errorf("starting container: %w", err))
	}

	statusCh, errCh := cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, core.Wrap(core.KindInternal, op, err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-runCtx.Done():
		return nil, core.NewError(core.KindTimeout, op, "container run exceeded timeout")
	}

	logs, err := cli.ContainerLogs(context.Background(), created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return nil, core.Wrap(core.KindInternal, op, err)
	}

	return map[string]interface{}{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}, nil
}
