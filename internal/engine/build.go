package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	bcierrors "bci/internal/errors"
)

// BuildRequest represents options for building an image
type BuildRequest struct {
	ContextDir string            // Directory sent as the build context
	Dockerfile string            // Build file path relative to ContextDir
	Tag        string            // Tag for the built image
	Labels     map[string]string // Labels applied to the built image
	Pull       bool              // Pull newer base images before building
	Log        bool              // Print the build log to the writer
}

// Build builds an image from req. When req.Log is set each build-log line is
// written to logWriter as it arrives.
func (c *Conn) Build(ctx context.Context, req BuildRequest, logWriter io.Writer) error {
	c.logger.Info("Building image",
		zap.String("context_path", req.ContextDir),
		zap.String("dockerfile", req.Dockerfile),
		zap.String("image_tag", req.Tag),
		zap.Int("labels", len(req.Labels)),
	)

	// Create tar archive of build context
	tarReader, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeBuildFailed, err, "failed to create build context")
	}
	defer tarReader.Close()

	buildOptions := types.ImageBuildOptions{
		Dockerfile: req.Dockerfile,
		Tags:       []string{req.Tag},
		Remove:     true, // Remove intermediate containers
		PullParent: req.Pull,
		Labels:     req.Labels,
	}

	buildResponse, err := c.api.ImageBuild(ctx, tarReader, buildOptions)
	if err != nil {
		return classify(err, req.Tag)
	}
	defer buildResponse.Body.Close()

	if err := streamBuildLogs(buildResponse.Body, logWriter, req.Log); err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeBuildFailed, err, req.Tag)
	}

	c.logger.Info("Image built successfully", zap.String("image_tag", req.Tag))
	return nil
}

// streamBuildLogs consumes the build stream to the end. Each message is a JSON
// object whose "stream" field holds log text; an "error" message ends the build.
func streamBuildLogs(reader io.Reader, writer io.Writer, print bool) error {
	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode build log: %w", err)
		}

		if msg.Error != nil && msg.Error.Message != "" {
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}

		if print && msg.Stream != "" {
			fmt.Fprintln(writer, strings.Trim(msg.Stream, "\n"))
		}
	}
}
