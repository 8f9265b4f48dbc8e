package system

import (
	"context"
	"strings"

	"go.uber.org/zap"

	bcierrors "bci/internal/errors"
)

// EnsureSocketActive starts the engine's systemd socket unit unless systemd
// already reports it active.
func EnsureSocketActive(ctx context.Context, runner Runner, unit string, logger *zap.Logger) error {
	state, err := runner.Output(ctx, "systemctl", "show", unit, "-P", "ActiveState")
	if err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeEngineUnavailable, err, unit)
	}

	state = strings.TrimSpace(state)
	logger.Debug("Engine socket state", zap.String("unit", unit), zap.String("state", state))
	if state == "active" {
		return nil
	}

	logger.Info("Starting engine socket", zap.String("unit", unit))
	if err := runner.Run(ctx, "systemctl", "start", unit); err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeEngineUnavailable, err, unit)
	}
	return nil
}

// CheckRoot fails unless euid is the superuser. Rootful engine storage and
// the rechunk tool both require it.
func CheckRoot(euid int) error {
	if euid != 0 {
		return bcierrors.New(bcierrors.ErrorCodePreflightFailed, "run as root or pass --skip-preflight")
	}
	return nil
}
