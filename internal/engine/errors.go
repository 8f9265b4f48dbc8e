package engine

import (
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	bcierrors "bci/internal/errors"
)

// classify maps an engine client error onto the error catalog. Errors that
// already carry a catalog code are returned unchanged.
func classify(err error, subject string) error {
	if err == nil {
		return nil
	}
	if _, ok := bcierrors.As(err); ok {
		return err
	}

	switch {
	case cerrdefs.IsNotFound(err):
		return bcierrors.Wrap(bcierrors.ErrorCodeImageNotFound, err, subject)
	case cerrdefs.IsUnavailable(err), client.IsErrConnectionFailed(err):
		return bcierrors.Wrap(bcierrors.ErrorCodeEngineUnavailable, err, subject)
	default:
		return bcierrors.Wrap(bcierrors.ErrorCodeEngineAPI, err, subject)
	}
}
