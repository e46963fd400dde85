// Package docker runs one-shot containers for agents that ship as images.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// Label marks containers started by the harness.
const Label = "terca"

type RunOpts struct {
	Image   string
	Command []string
	WorkDir string
	Env     []string
	Mounts  []Mount
	// Logs receives the container's combined output once it exits.
	Logs        io.Writer
	CPULimit    float64
	MemoryLimit int64
	UserID      string
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	// Cancelled is set when ctx ended before the container exited; the
	// container was killed.
	Cancelled bool
	Duration  time.Duration
}

// RunContainer starts a container with WorkDir mounted at /workspace and
// blocks until it exits or ctx is done. The container is always removed.
func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: opts.WorkDir,
		Target: "/workspace",
	}}
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		Init:       &initTrue,
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if opts.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hostCfg.Memory = opts.MemoryLimit
	}

	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        opts.Env,
		WorkingDir: "/workspace",
		Tty:        true,
		Labels:     map[string]string{Label: "true"},
	}
	if opts.UserID != "" {
		containerCfg.User = opts.UserID
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	waitResult := cli.ContainerWait(ctx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case err := <-waitResult.Error:
			if err == nil {
				continue
			}
			if ctx.Err() == nil {
				return nil, fmt.Errorf("waiting for container: %w", err)
			}
			cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
			copyLogs(cli, containerID, opts.Logs)
			return &RunResult{ExitCode: 137, Cancelled: true, Duration: time.Since(start)}, nil
		case status := <-waitResult.Result:
			copyLogs(cli, containerID, opts.Logs)
			return &RunResult{ExitCode: int(status.StatusCode), Duration: time.Since(start)}, nil
		}
	}
}

func copyLogs(cli *client.Client, containerID string, w io.Writer) {
	if w == nil {
		return
	}
	logReader, _ := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if logReader != nil {
		io.Copy(w, logReader)
		logReader.Close()
	}
}
