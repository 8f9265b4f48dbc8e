package pipeline_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"bci/internal/pipeline"
)

func TestParseOSRelease(t *testing.T) {
	release, err := pipeline.ParseOSRelease([]byte(osRelease + "# comment\r\nHOME_URL='https://fedoraproject.org/'\r\n"))
	assert.NilError(t, err)

	assert.Equal(t, release["NAME"], "Fedora Linux")
	assert.Equal(t, release["PRETTY_NAME"], "Fedora Linux 42 (CoreOS)")
	assert.Equal(t, release["VARIANT_ID"], "coreos")
	assert.Equal(t, release["HOME_URL"], "https://fedoraproject.org/")
}

func TestParseOSReleaseEscapedDollar(t *testing.T) {
	release, err := pipeline.ParseOSRelease([]byte("NAME=\"Acme OS\"\nPRETTY_NAME=\"Acme \\$EDITION OS\"\n"))
	assert.NilError(t, err)
	assert.Equal(t, release["PRETTY_NAME"], "Acme $EDITION OS")
}

func TestGitRevisionLogsThroughInjectedLogger(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("not a gitdir pointer\n"), 0o644))

	core, logs := observer.New(zap.DebugLevel)
	assert.Equal(t, pipeline.GitRevision(dir, zap.New(core)), "")
	assert.Equal(t, logs.FilterMessage("Failed to open git repository").Len(), 1)
}

func TestGitRevision(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, pipeline.GitRevision(dir, zap.NewNop()), "")

	repo, err := git.PlainInit(dir, false)
	assert.NilError(t, err)
	// No commits yet
	assert.Equal(t, pipeline.GitRevision(dir, zap.NewNop()), "")

	assert.NilError(t, os.MkdirAll(filepath.Join(dir, "image"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "image", "Containerfile"), []byte("FROM scratch\n"), 0o644))

	worktree, err := repo.Worktree()
	assert.NilError(t, err)
	_, err = worktree.Add("image/Containerfile")
	assert.NilError(t, err)
	hash, err := worktree.Commit("Add image definition", &git.CommitOptions{
		Author: &object.Signature{Name: "Image Builder", Email: "builder@example.com", When: time.Now()},
	})
	assert.NilError(t, err)

	assert.Equal(t, pipeline.GitRevision(filepath.Join(dir, "image"), zap.NewNop()), hash.String())
}

func TestComputedLabelsIncludeRevision(t *testing.T) {
	config := testConfig(t)
	config.Labels = map[string]string{ocispec.AnnotationTitle: ""}
	buildDir := filepath.Dir(config.Build.Dockerfile)

	repo, err := git.PlainInit(buildDir, false)
	assert.NilError(t, err)
	worktree, err := repo.Worktree()
	assert.NilError(t, err)
	_, err = worktree.Add("Containerfile")
	assert.NilError(t, err)
	hash, err := worktree.Commit("Initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Image Builder", Email: "builder@example.com", When: time.Now()},
	})
	assert.NilError(t, err)

	h := newHarness(t)
	assert.NilError(t, h.run(config))

	labels := h.fake.Builds[1].Options.Labels
	assert.Check(t, is.Len(labels, 4))
	assert.Equal(t, labels[ocispec.AnnotationRevision], hash.String())
}
