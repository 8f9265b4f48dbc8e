package cli

import (
	"context"
	"fmt"
	"os"

	"bci/internal/engine"
	"bci/internal/infra"
)

const defaultSocketUnit = "podman.socket"

// showEngineVersion prints the engine's release and API versions. Without a
// build file the endpoint comes from --host, the environment or the default
// system socket, and the socket unit is only managed for the default.
func (r *Root) showEngineVersion(ctx context.Context, env *Environment) error {
	level := "warn"
	if r.Debug {
		level = "debug"
	}

	engineConfig := infra.EngineConfig{Host: r.Host}
	if r.File != "" {
		config, err := r.loadConfig()
		if err != nil {
			return err
		}
		engineConfig = config.Engine
		if !r.Debug {
			level = config.Log.Level
		}
	}
	if engineConfig.Host == "" {
		engineConfig.Host = os.Getenv(infra.EngineHostEnv)
	}
	if engineConfig.Host == "" {
		engineConfig.Host = infra.DefaultEngineHost
		engineConfig.SocketUnit = defaultSocketUnit
		engineConfig.ManageSocket = true
	}

	logger, err := NewLogger(level, env.Stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if _, err := r.prepareHost(ctx, env, engineConfig, logger); err != nil {
		return err
	}

	conn, err := engine.NewConnectorWithDialer(engineConfig.Host, env.Dial, logger).Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	info, err := conn.Version(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(env.Stdout, "\n Podman Release: %s\n", info.Release)
	fmt.Fprintf(env.Stdout, " Podman API: %s\n", info.API)
	fmt.Fprintf(env.Stdout, " Compatible API: %s\n\n", info.CompatibleAPI)
	return nil
}
