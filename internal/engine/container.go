package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"

	bcierrors "bci/internal/errors"
)

// RunRequest describes a throwaway container run
type RunRequest struct {
	Image         string
	Name          string
	Command       []string
	ReadOnlyBinds []string // Host paths mounted read-only at the same location
}

// Run creates and starts a container, waits for it to exit and returns its
// combined output. The container is removed on every path once created. A
// non-zero exit status is reported as CONTAINER_RUN_FAILED with the output
// attached.
func (c *Conn) Run(ctx context.Context, req RunRequest) ([]byte, error) {
	c.logger.Info("Running container",
		zap.String("image", req.Image),
		zap.String("name", req.Name),
		zap.Strings("command", req.Command),
	)

	hostConfig := &container.HostConfig{}
	for _, path := range req.ReadOnlyBinds {
		hostConfig.Binds = append(hostConfig.Binds, path+":"+path+":ro")
	}

	created, err := c.api.ContainerCreate(ctx, &container.Config{
		Image:        req.Image,
		Cmd:          req.Command,
		Tty:          true,
		AttachStdout: true,
		AttachStderr: true,
	}, hostConfig, nil, nil, req.Name)
	if err != nil {
		return nil, classify(err, req.Image)
	}
	defer c.removeContainer(ctx, created.ID)

	// Subscribe before starting so a fast exit is not missed
	statusCh, errCh := c.api.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)

	if err := c.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, classify(err, req.Image)
	}

	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, classify(err, req.Name)
		}
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return nil, bcierrors.New(bcierrors.ErrorCodeContainerRun, fmt.Sprintf("%s: %s", req.Name, status.Error.Message))
		}
		exitCode = status.StatusCode
	}

	output, err := c.containerOutput(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	if exitCode != 0 {
		return output, bcierrors.New(bcierrors.ErrorCodeContainerRun,
			fmt.Sprintf("%s exited with status %d: %s", req.Name, exitCode, output))
	}

	return output, nil
}

// containerOutput reads the container's logs. Containers run with a TTY, so
// the stream is raw rather than multiplexed.
func (c *Conn) containerOutput(ctx context.Context, containerID string) ([]byte, error) {
	reader, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, classify(err, containerID)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeEngineAPI, err, "failed to read container logs")
	}
	return data, nil
}

func (c *Conn) removeContainer(ctx context.Context, containerID string) {
	if err := c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		c.logger.Warn("Failed to remove container",
			zap.String("container_id", containerID),
			zap.Error(err),
		)
	}
}
