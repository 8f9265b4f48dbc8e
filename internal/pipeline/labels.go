package pipeline

import (
	"context"
	stderrors "errors"
	"maps"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/joho/godotenv"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"bci/internal/engine"
	bcierrors "bci/internal/errors"
	"bci/internal/infra"
)

const osReleasePath = "/usr/lib/os-release"

// Synthesizer decides which OCI labels the labelled image carries
type Synthesizer struct {
	config *infra.Config
	names  func(base string) string
	logger *zap.Logger
}

// NewSynthesizer creates a label synthesizer for config
func NewSynthesizer(config *infra.Config, names func(base string) string, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{config: config, names: names, logger: logger}
}

// Synthesize returns the configured labels when every value is set. If any
// value is empty the configured set is discarded and the computed set is
// returned instead.
func (s *Synthesizer) Synthesize(ctx context.Context, conn *engine.Conn) (map[string]string, error) {
	if !needsComputed(s.config.Labels) {
		return maps.Clone(s.config.Labels), nil
	}

	s.logger.Info("Configured labels are incomplete, computing them from the OS image")
	return s.compute(ctx, conn)
}

func needsComputed(labels map[string]string) bool {
	for _, value := range labels {
		if value == "" {
			return true
		}
	}
	return false
}

func (s *Synthesizer) compute(ctx context.Context, conn *engine.Conn) (map[string]string, error) {
	osRef, err := s.config.Image(infra.ImageOS)
	if err != nil {
		return nil, err
	}

	output, err := conn.Run(ctx, engine.RunRequest{
		Image:   osRef.String(),
		Name:    s.names("add-labels"),
		Command: []string{"cat", osReleasePath},
	})
	if err != nil {
		return nil, err
	}

	release, err := ParseOSRelease(output)
	if err != nil {
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeLabelUnresolved, err, "failed to parse "+osReleasePath)
	}

	prettyName, ok := release["PRETTY_NAME"]
	if !ok {
		return nil, bcierrors.New(bcierrors.ErrorCodeLabelUnresolved, "PRETTY_NAME missing from "+osReleasePath)
	}
	name, ok := release["NAME"]
	if !ok {
		return nil, bcierrors.New(bcierrors.ErrorCodeLabelUnresolved, "NAME missing from "+osReleasePath)
	}

	imageLabels, err := conn.ImageLabels(ctx, osRef.String())
	if err != nil {
		return nil, err
	}
	version, ok := imageLabels[ocispec.AnnotationVersion]
	if !ok {
		return nil, bcierrors.New(bcierrors.ErrorCodeLabelUnresolved,
			osRef.String()+" has no "+ocispec.AnnotationVersion+" label")
	}

	labels := map[string]string{
		ocispec.AnnotationVersion:     version,
		ocispec.AnnotationTitle:       prettyName,
		ocispec.AnnotationDescription: "Customized image of " + name,
	}

	buildFile, err := infra.ResolveBuildFile(s.config.Build.Dockerfile)
	if err == nil {
		if revision := GitRevision(filepath.Dir(buildFile), s.logger); revision != "" {
			labels[ocispec.AnnotationRevision] = revision
		}
	}

	return labels, nil
}

// ParseOSRelease reads os-release(5) content as captured from a tty.
// Double-quoted values go through shell-style expansion, so a literal dollar
// sign must be escaped as \$, which os-release(5) already requires.
func ParseOSRelease(content []byte) (map[string]string, error) {
	normalized := strings.ReplaceAll(string(content), "\r\n", "\n")
	return godotenv.Unmarshal(normalized)
}

// GitRevision returns the HEAD commit of the repository containing dir, or
// an empty string when dir is not inside a repository with commits.
func GitRevision(dir string, logger *zap.Logger) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if !stderrors.Is(err, git.ErrRepositoryNotExists) {
			logger.Debug("Failed to open git repository", zap.String("dir", dir), zap.Error(err))
		}
		return ""
	}

	head, err := repo.Head()
	if err != nil {
		logger.Debug("Repository has no HEAD commit", zap.String("dir", dir), zap.Error(err))
		return ""
	}
	return head.Hash().String()
}
