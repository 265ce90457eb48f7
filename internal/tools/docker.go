package tools

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig configures the sandbox executor.
type DockerConfig struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	Workspace   string
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.Image == "" {
		c.Image = "alpine:3.20"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 256
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "none"
	}
	return c
}

// DockerExecutor runs each command in an ephemeral container.
type DockerExecutor struct {
	client *client.Client
	cfg    DockerConfig
}

// NewDockerExecutor connects to the Docker daemon from the environment.
func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{client: cli, cfg: cfg.withDefaults()}, nil
}

// Exec runs cmd in a fresh container and collects its logs.
func (d *DockerExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	hostCfg := &container.HostConfig{
		Resources:   container.Resources{Memory: d.cfg.MemoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
	}
	containerDir := "/"
	if d.cfg.Workspace != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/workspace:ro", d.cfg.Workspace)}
		containerDir = "/workspace"
	}
	if workDir != "" {
		containerDir = workDir
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.cfg.Image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: containerDir,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return "", "", -1, ctx.Err()
		}
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
		return "", "", -1, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer logs.Close()

	var outBuf, errBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&outBuf, &errBuf, logs)
	return outBuf.String(), errBuf.String(), exitCode, nil
}

// Close closes the docker client.
func (d *DockerExecutor) Close() error {
	return d.client.Close()
}
