package cli

import (
	"context"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"bci/internal/buildinfo"
	"bci/internal/engine"
	bcierrors "bci/internal/errors"
	"bci/internal/infra"
	"bci/internal/pipeline"
	"bci/internal/system"
)

// Root is the bci command line.
type Root struct {
	File          string           `arg:"" optional:"" type:"path" help:"TOML build file." placeholder:"FILE"`
	EngineVersion bool             `help:"Show the engine release and API versions, then exit."`
	Version       kong.VersionFlag `help:"Show version information and exit."`
	Host          string           `short:"H" help:"Override the engine endpoint." placeholder:"URI"`
	Debug         bool             `short:"d" help:"Enable debug output."`
	SkipPreflight bool             `help:"Skip the root user check, for rootless engine sockets."`
}

// Environment carries the process-level collaborators a run depends on.
type Environment struct {
	Stdout io.Writer
	Stderr io.Writer
	Dial   engine.Dialer
	Runner system.Runner // Host commands when nil
	Euid   int
}

// NewEnvironment returns the environment of the running process
func NewEnvironment() *Environment {
	return &Environment{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Dial:   engine.DockerDialer,
		Euid:   os.Geteuid(),
	}
}

// Execute parses args and runs the selected action.
func Execute(ctx context.Context, args []string, env *Environment) error {
	var root Root
	parser, err := kong.New(&root,
		kong.Name(buildinfo.Name),
		kong.Description("Build a bootable container image.\n\nReads a TOML build file and drives a Podman service through pull, verification, build, rechunk and labelling."),
		kong.UsageOnError(),
		kong.Writers(env.Stdout, env.Stderr),
		kong.Vars{
			"version": buildinfo.String(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(env),
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeConfigInvalid, err, "invalid arguments")
	}

	return kongCtx.Run()
}

// Run executes the pipeline for the given build file.
func (r *Root) Run(ctx context.Context, env *Environment) error {
	if r.EngineVersion {
		return r.showEngineVersion(ctx, env)
	}
	if r.File == "" {
		return bcierrors.New(bcierrors.ErrorCodeConfigInvalid, "no build file given")
	}

	config, err := r.loadConfig()
	if err != nil {
		return err
	}

	logger, err := NewLogger(config.Log.Level, env.Stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Debug("Starting bci", zap.String("version", buildinfo.String()), zap.Int("pid", os.Getpid()))
	logger.Debug("Loaded build file",
		zap.String("path", config.Path()),
		zap.String("engine_host", config.Engine.Host),
	)

	runner, err := r.prepareHost(ctx, env, config.Engine, logger)
	if err != nil {
		return err
	}

	connector := engine.NewConnectorWithDialer(config.Engine.Host, env.Dial, logger)
	return pipeline.New(config, connector, runner, env.Stdout, logger).Run(ctx)
}

func (r *Root) loadConfig() (*infra.Config, error) {
	overrides := infra.Overrides{EngineHost: r.Host}
	if r.Debug {
		overrides.LogLevel = "debug"
	}
	return infra.LoadConfig(r.File, overrides)
}

// prepareHost checks for root and makes sure the engine socket is listening.
func (r *Root) prepareHost(ctx context.Context, env *Environment, engineConfig infra.EngineConfig, logger *zap.Logger) (system.Runner, error) {
	if !r.SkipPreflight {
		if err := system.CheckRoot(env.Euid); err != nil {
			return nil, err
		}
	}

	runner := env.Runner
	if runner == nil {
		hostRunner := system.NewExecRunner(logger)
		hostRunner.Stdout = env.Stdout
		hostRunner.Stderr = env.Stderr
		runner = hostRunner
	}

	if engineConfig.ManageSocket {
		if err := system.EnsureSocketActive(ctx, runner, engineConfig.SocketUnit, logger); err != nil {
			return nil, err
		}
	}
	return runner, nil
}
