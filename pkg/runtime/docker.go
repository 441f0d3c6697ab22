package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime drives the Docker Engine. Each environment is one
// container: the step workspace is bind-mounted at WorkMount, networking
// is disabled unless the spec opts in, and containers are force-removed
// on teardown so a failed step never leaves residue behind.
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerRuntime connects to the Docker Engine. The connection is taken
// from cfg.Host when set, otherwise from the environment.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("connecting to docker: %v", err)}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &DockerRuntime{cli: cli, logger: logger.With("runtime", KindDocker)}, nil
}

func (r *DockerRuntime) Create(ctx context.Context, spec Spec) (Handle, error) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             strslice.StrSlice(spec.Cmd),
		Env:             spec.Env,
		WorkingDir:      WorkMount,
		NetworkDisabled: !spec.NetworkEnabled,
	}

	host := &container.HostConfig{
		Binds: []string{spec.WorkDir + ":" + WorkMount},
		Resources: container.Resources{
			Memory:   spec.Resources.MemoryBytes,
			NanoCPUs: int64(spec.Resources.CPUCores * 1e9),
		},
	}
	if spec.Resources.PidsLimit > 0 {
		pids := spec.Resources.PidsLimit
		host.Resources.PidsLimit = &pids
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", &Error{Code: CodeUnavailable, Message: fmt.Sprintf("creating container %q: %v", spec.Name, err)}
	}

	r.logger.Debug("container created", "name", spec.Name, "id", resp.ID, "image", spec.Image)
	return Handle(resp.ID), nil
}

func (r *DockerRuntime) Start(ctx context.Context, handle Handle) error {
	if err := r.cli.ContainerStart(ctx, string(handle), container.StartOptions{}); err != nil {
		return &Error{Code: CodeUnavailable, Message: fmt.Sprintf("starting container: %v", err)}
	}
	return nil
}

func (r *DockerRuntime) Wait(ctx context.Context, handle Handle) (int, error) {
	waitC, errC := r.cli.ContainerWait(ctx, string(handle), container.WaitConditionNotRunning)

	select {
	case resp := <-waitC:
		if resp.Error != nil {
			return -1, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("waiting for container: %s", resp.Error.Message)}
		}
		return int(resp.StatusCode), nil
	case err := <-errC:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("waiting for container: %v", err)}
	}
}

func (r *DockerRuntime) Logs(ctx context.Context, handle Handle) ([]byte, error) {
	rc, err := r.cli.ContainerLogs(ctx, string(handle), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("fetching container logs: %v", err)}
	}
	defer rc.Close()

	// The engine multiplexes stdout and stderr over one stream for
	// non-TTY containers; demux both into a single chronological log.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("reading container logs: %v", err)}
	}
	return buf.Bytes(), nil
}

func (r *DockerRuntime) Remove(ctx context.Context, handle Handle) error {
	err := r.cli.ContainerRemove(ctx, string(handle), container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return &Error{Code: CodeUnavailable, Message: fmt.Sprintf("removing container: %v", err)}
	}
	return nil
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}
