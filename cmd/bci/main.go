package main

import (
	"context"
	"fmt"
	"os"

	"bci/internal/cli"
	bcierrors "bci/internal/errors"
)

// The logger is built by the CLI once the build file sets its level
func main() {
	if err := cli.Execute(context.Background(), os.Args[1:], cli.NewEnvironment()); err != nil {
		os.Exit(report(err))
	}
}

// report prints err for the user and returns the process exit code for it
func report(err error) int {
	fmt.Fprintf(os.Stderr, "\n Error: %v\n\n", err)
	if bciErr, ok := bcierrors.As(err); ok {
		return bciErr.ExitCode()
	}
	return 1
}
