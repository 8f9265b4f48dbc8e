package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bci/internal/engine"
	"bci/internal/infra"
	"bci/internal/system"
)

// Stage names a pipeline state
type Stage string

const (
	StagePull               Stage = "pull"
	StageVerify             Stage = "verify"
	StageBuild              Stage = "build"
	StageRechunk            Stage = "rechunk"
	StageLabel              Stage = "label"
	StageRemoveIntermediate Stage = "remove-intermediate"
	StagePrune              Stage = "prune"
)

// Connector hands out stage-scoped engine connections
type Connector interface {
	Connect(ctx context.Context) (*engine.Conn, error)
}

// StageObserver is told when the pipeline enters a stage. Prunes folded into
// other stages are not reported.
type StageObserver func(stage Stage)

// Pipeline runs one build definition from pull to final prune
type Pipeline struct {
	config      *infra.Config
	connector   Connector
	runner      system.Runner
	out         io.Writer
	logger      *zap.Logger
	observer    StageObserver
	synthesizer *Synthesizer
	tempDir     string
	names       func(base string) string
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithObserver registers a stage observer
func WithObserver(observer StageObserver) Option {
	return func(p *Pipeline) {
		p.observer = observer
	}
}

// WithTempDir sets where temporary build files are written
func WithTempDir(dir string) Option {
	return func(p *Pipeline) {
		p.tempDir = dir
	}
}

// WithContainerNames overrides how throwaway container names are generated
func WithContainerNames(names func(base string) string) Option {
	return func(p *Pipeline) {
		p.names = names
	}
}

// New creates a pipeline. User-facing progress goes to out, diagnostics to logger.
func New(config *infra.Config, connector Connector, runner system.Runner, out io.Writer, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:    config,
		connector: connector,
		runner:    runner,
		out:       out,
		logger:    logger,
		names:     uniqueName,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.synthesizer = NewSynthesizer(config, p.names, logger)
	return p
}

// Run executes every enabled stage in order and stops at the first error
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.stage(ctx, StagePull, p.pull); err != nil {
		return err
	}

	if p.config.Cosign.Verify.Verify {
		if err := p.stage(ctx, StageVerify, p.verify); err != nil {
			return err
		}
	}

	if err := p.stage(ctx, StageBuild, p.build); err != nil {
		return err
	}

	if err := p.stage(ctx, StageRechunk, p.rechunk); err != nil {
		return err
	}

	if p.config.Build.Labels.AddLabels {
		if err := p.stage(ctx, StageLabel, p.label); err != nil {
			return err
		}
	}

	if len(p.config.RemovalTargets()) > 0 {
		if err := p.stage(ctx, StageRemoveIntermediate, p.removeIntermediate); err != nil {
			return err
		}
	}

	return p.stage(ctx, StagePrune, p.prune)
}

func (p *Pipeline) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	if p.observer != nil {
		p.observer(stage)
	}
	p.logger.Debug("Entering stage", zap.String("stage", string(stage)))

	if err := fn(ctx); err != nil {
		p.logger.Debug("Stage failed", zap.String("stage", string(stage)), zap.Error(err))
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

// withConn runs fn on a fresh connection that is closed when fn returns
func (p *Pipeline) withConn(ctx context.Context, fn func(*engine.Conn) error) error {
	conn, err := p.connector.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.logger.Warn("Failed to close engine connection", zap.Error(err))
		}
	}()
	return fn(conn)
}

func (p *Pipeline) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// uniqueName suffixes base so reruns never collide with a leftover container
func uniqueName(base string) string {
	return base + "-" + uuid.NewString()[:8]
}
