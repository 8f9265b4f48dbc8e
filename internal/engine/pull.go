package engine

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/term"
	"go.uber.org/zap"

	bcierrors "bci/internal/errors"
)

// Pull pulls ref and renders the engine's progress stream to out
func (c *Conn) Pull(ctx context.Context, ref string, out io.Writer) error {
	c.logger.Info("Pulling image", zap.String("image", ref))

	reader, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(err, ref)
	}
	defer reader.Close()

	fd, isTerminal := term.GetFdInfo(out)
	if err := jsonmessage.DisplayJSONMessagesStream(reader, out, fd, isTerminal, nil); err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeEngineAPI, err, ref)
	}

	return nil
}
