package build

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkdir = "/workspace"

// DockerRunner runs each command in a fresh container with the workspace
// bind-mounted at /workspace. The container is removed afterwards.
type DockerRunner struct {
	cli   *client.Client
	image string
}

// NewDockerRunner creates a Docker client using environment defaults, with host
// overriding DOCKER_HOST when set.
func NewDockerRunner(host, imageRef string) (*DockerRunner, error) {
	if strings.TrimSpace(imageRef) == "" {
		return nil, fmt.Errorf("build image cannot be empty")
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRunner{cli: cli, image: imageRef}, nil
}

// Ping validates connectivity to the Docker daemon.
func (d *DockerRunner) Ping(ctx context.Context) error {
	ping, err := d.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (d *DockerRunner) Close() error {
	return d.cli.Close()
}

// Run implements Runner.
func (d *DockerRunner) Run(ctx context.Context, command, dir string, onLine LineHandler) (int, error) {
	source, err := filepath.Abs(dir)
	if err != nil {
		return -1, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := d.ensureImage(ctx); err != nil {
		return -1, err
	}

	cfg, hostCfg := containerSpec(d.image, command, source)
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("container create: %w", err)
	}
	defer func() {
		// The build context may already be cancelled; removal must still happen.
		_ = d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("container start: %w", err)
	}

	logs, err := d.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return -1, fmt.Errorf("container logs: %w", err)
	}
	stdout := newLineWriter(StreamStdout, onLine)
	stderr := newLineWriter(StreamStderr, onLine)
	_, copyErr := stdcopy.StdCopy(stdout, stderr, logs)
	logs.Close()
	stdout.Flush()
	stderr.Flush()
	if copyErr != nil && ctx.Err() == nil {
		return -1, fmt.Errorf("read container output: %w", copyErr)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return -1, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return -1, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
}

func (d *DockerRunner) ensureImage(ctx context.Context) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, d.image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", d.image, err)
	}
	rc, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	return nil
}

func containerSpec(imageRef, command, source string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      imageRef,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: containerWorkdir,
		Env:        []string{"CI=true"},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: source,
			Target: containerWorkdir,
		}},
	}
	return cfg, hostCfg
}
