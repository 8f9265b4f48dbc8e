package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Runner executes external commands
type Runner interface {
	// Run executes the command with its output streamed to the runner's writers.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes the command and returns its captured stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the host
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	logger *zap.Logger
}

// NewExecRunner creates a runner that streams to the process's stdout/stderr
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		logger: logger,
	}
}

// Run executes name with inherited output streams
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	r.logger.Debug("Running command", zap.String("command", commandLine(name, args)))
	return commandError(cmd.Run(), name, args)
}

// Output executes name and returns its stdout
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = r.Stderr

	r.logger.Debug("Running command", zap.String("command", commandLine(name, args)))
	if err := cmd.Run(); err != nil {
		return "", commandError(err, name, args)
	}
	return stdout.String(), nil
}

// commandError includes the exit status when the command ran but failed
func commandError(err error, name string, args []string) error {
	if err == nil {
		return nil
	}
	fullCmd := commandLine(name, args)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return fmt.Errorf("command failed (exit=%d): %s: %w", status.ExitStatus(), fullCmd, err)
		}
	}
	return fmt.Errorf("failed to run command: %s: %w", fullCmd, err)
}

// commandLine returns a printable, shell-safe representation of the command
func commandLine(name string, args []string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, name)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n\"'`$\\*?[]{}()<>|&;") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted = append(quoted, a)
	}
	return strings.Join(quoted, " ")
}
