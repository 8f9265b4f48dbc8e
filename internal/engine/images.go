package engine

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"go.uber.org/zap"
)

const bytesPerGiB = 1024 * 1024 * 1024

// ImageLabels returns the labels stored on an image in engine storage
func (c *Conn) ImageLabels(ctx context.Context, ref string) (map[string]string, error) {
	inspect, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, classify(err, ref)
	}
	if inspect.Config == nil || inspect.Config.Labels == nil {
		return map[string]string{}, nil
	}
	return inspect.Config.Labels, nil
}

// PruneReport represents the result of a dangling-image prune
type PruneReport struct {
	Deleted        []string
	SpaceReclaimed uint64
}

// ReclaimedGB returns the reclaimed space in GiB rounded to two decimals
func (r PruneReport) ReclaimedGB() float64 {
	return math.Round(float64(r.SpaceReclaimed)/bytesPerGiB*100) / 100
}

// FormatGB renders a GB figure with at least one decimal place (3 -> "3.0")
func FormatGB(gb float64) string {
	s := strconv.FormatFloat(gb, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Prune removes dangling (untagged, unreferenced) images
func (c *Conn) Prune(ctx context.Context) (PruneReport, error) {
	report, err := c.api.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return PruneReport{}, classify(err, "prune")
	}

	result := PruneReport{SpaceReclaimed: report.SpaceReclaimed}
	for _, deleted := range report.ImagesDeleted {
		if deleted.Deleted != "" {
			result.Deleted = append(result.Deleted, deleted.Deleted)
		}
	}

	c.logger.Debug("Pruned dangling images",
		zap.Int("count", len(result.Deleted)),
		zap.Uint64("space_reclaimed_bytes", result.SpaceReclaimed),
	)

	return result, nil
}

// Remove deletes or untags ref
func (c *Conn) Remove(ctx context.Context, ref string) ([]image.DeleteResponse, error) {
	removed, err := c.api.ImageRemove(ctx, ref, image.RemoveOptions{})
	if err != nil {
		return nil, classify(err, ref)
	}

	c.logger.Debug("Removed image", zap.String("image", ref), zap.Int("entries", len(removed)))
	return removed, nil
}
