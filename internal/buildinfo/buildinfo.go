// Package buildinfo exposes values stamped into the binary at link time.
//
// Set them with, for example:
//
//	go build -ldflags "-X bci/internal/buildinfo.version=1.2.0 -X bci/internal/buildinfo.gitCommit=$(git rev-parse --short HEAD)" ./cmd/bci
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

// Name is the program name used in usage and log output
const Name = "bci"

const defaultLocalBuild = "(local)"

var (
	version   = "" // Version number (e.g., "1.2.0")
	gitCommit = "" // Git commit hash (e.g., "a1b2c3d4")
)

// Version returns the stamped version without a leading "v", or "(local)"
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		return defaultLocalBuild
	}
	return strings.TrimPrefix(strings.ToLower(v), "v")
}

// IsLocal reports whether the binary was built without linker flags
func IsLocal() bool {
	return strings.TrimSpace(version) == "" || strings.TrimSpace(gitCommit) == ""
}

// String returns "<version> <commit> [<arch>]", or "(local)" for local builds.
func String() string {
	if IsLocal() {
		return defaultLocalBuild
	}
	return fmt.Sprintf("%s %s [%s]", Version(), strings.TrimSpace(gitCommit), runtime.GOARCH)
}
