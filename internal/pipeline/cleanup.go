package pipeline

import (
	"context"

	"go.uber.org/zap"

	"bci/internal/engine"
)

// removeIntermediate deletes the pre-rechunk build tag and/or the rechunk
// output, then prunes what they leave dangling.
func (p *Pipeline) removeIntermediate(ctx context.Context) error {
	targets := p.config.RemovalTargets()

	p.printf("\nDeleting intermediate images...\n\n")

	err := p.withConn(ctx, func(conn *engine.Conn) error {
		for _, ref := range targets {
			removed, err := conn.Remove(ctx, ref)
			if err != nil {
				return err
			}
			for _, entry := range removed {
				if entry.Deleted != "" {
					p.printf("Deleted: %s\n", entry.Deleted)
				}
				if entry.Untagged != "" {
					p.printf("Untagged: %s\n", entry.Untagged)
				}
			}
			p.logger.Info("Removed intermediate image", zap.String("image", ref))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.prune(ctx)
}

// prune removes dangling images and reports what was reclaimed
func (p *Pipeline) prune(ctx context.Context) error {
	return p.withConn(ctx, func(conn *engine.Conn) error {
		report, err := conn.Prune(ctx)
		if err != nil {
			return err
		}

		if len(report.Deleted) > 0 {
			p.printf("\nDeleted images:\n\n")
			for _, id := range report.Deleted {
				p.printf("%s\n", id)
			}
		}
		if report.SpaceReclaimed > 0 {
			p.printf("\nReclaimed space: %s GB\n\n", engine.FormatGB(report.ReclaimedGB()))
		}
		return nil
	})
}
