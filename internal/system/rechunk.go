package system

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	bcierrors "bci/internal/errors"
)

// RechunkRequest describes one build-chunked-oci conversion
type RechunkRequest struct {
	Tool      string // rpm-ostree binary
	From      string // Image in engine storage to convert
	To        string // Tag written back into engine storage
	MaxLayers int    // Zero leaves the tool's default
}

// RechunkArgs returns the tool arguments for req
func RechunkArgs(req RechunkRequest) []string {
	args := []string{"compose", "build-chunked-oci"}
	if req.MaxLayers > 0 {
		args = append(args, fmt.Sprintf("--max-layers=%d", req.MaxLayers))
	}
	return append(args,
		"--bootc",
		"--format-version=1",
		"--from="+req.From,
		"--output=containers-storage:"+req.To,
	)
}

// Rechunk converts req.From into a chunked bootable OCI image
func Rechunk(ctx context.Context, runner Runner, req RechunkRequest, logger *zap.Logger) error {
	logger.Info("Rechunking image",
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.Int("max_layers", req.MaxLayers),
	)

	if err := runner.Run(ctx, req.Tool, RechunkArgs(req)...); err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeExternalTool, err)
	}
	return nil
}
