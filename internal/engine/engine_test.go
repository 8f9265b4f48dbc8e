package engine_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"bci/internal/engine"
	"bci/internal/engine/enginetest"
	bcierrors "bci/internal/errors"
)

func connect(t *testing.T, fake *enginetest.Fake) *engine.Conn {
	t.Helper()
	connector := engine.NewConnectorWithDialer("unix:///run/podman/podman.sock", fake.Dial, zap.NewNop())
	conn, err := connector.Connect(context.Background())
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectPings(t *testing.T) {
	fake := &enginetest.Fake{}
	connector := engine.NewConnectorWithDialer("unix:///run/podman/podman.sock", fake.Dial, zap.NewNop())
	assert.Equal(t, connector.Host(), "unix:///run/podman/podman.sock")

	conn, err := connector.Connect(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, fake.Calls, []string{"dial", "ping"})

	assert.NilError(t, conn.Close())
	assert.NilError(t, conn.Close())
	assert.Equal(t, fake.Closes, 1)
}

func TestConnectPingFailureClosesClient(t *testing.T) {
	fake := &enginetest.Fake{PingErr: errors.New("connection refused")}
	connector := engine.NewConnectorWithDialer("unix:///run/podman/podman.sock", fake.Dial, zap.NewNop())

	conn, err := connector.Connect(context.Background())
	assert.Assert(t, conn == nil)
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeEngineUnavailable))
	assert.Equal(t, fake.Closes, 1)
}

func TestConnectDialFailure(t *testing.T) {
	fake := &enginetest.Fake{DialErr: errors.New("bad host")}
	connector := engine.NewConnectorWithDialer("tcp://nowhere", fake.Dial, zap.NewNop())

	_, err := connector.Connect(context.Background())
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeEngineUnavailable))
	assert.Equal(t, fake.Closes, 0)
}

func TestVersion(t *testing.T) {
	fake := &enginetest.Fake{VersionInfo: types.Version{
		Version:    "5.4.0",
		APIVersion: "1.41",
		Components: []types.ComponentVersion{
			{Name: "Podman Engine", Details: map[string]string{"APIVersion": "5.4.0"}},
		},
	}}
	conn := connect(t, fake)

	info, err := conn.Version(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, info, engine.VersionInfo{Release: "5.4.0", API: "5.4.0", CompatibleAPI: "1.41"})
}

func TestVersionWithoutComponents(t *testing.T) {
	fake := &enginetest.Fake{VersionInfo: types.Version{Version: "5.4.0", APIVersion: "1.41"}}
	conn := connect(t, fake)

	info, err := conn.Version(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, info.API, "")
}

func TestPullRendersProgress(t *testing.T) {
	fake := &enginetest.Fake{}
	conn := connect(t, fake)

	var out bytes.Buffer
	assert.NilError(t, conn.Pull(context.Background(), "quay.io/fedora/fedora-bootc:42", &out))
	assert.DeepEqual(t, fake.Pulled, []string{"quay.io/fedora/fedora-bootc:42"})
	assert.Check(t, is.Contains(out.String(), "Download complete"))
}

func TestPullStreamError(t *testing.T) {
	fake := &enginetest.Fake{PullStream: `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n"}
	conn := connect(t, fake)

	err := conn.Pull(context.Background(), "quay.io/fedora/fedora-bootc:99", &bytes.Buffer{})
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeEngineAPI))
	assert.Check(t, is.Contains(err.Error(), "manifest unknown"))
}

func TestBuildStreamsLog(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "Containerfile"), []byte("FROM quay.io/fedora/fedora-bootc:42\n"), 0o644))

	fake := &enginetest.Fake{BuildStream: "{\"stream\":\"STEP 1/2: FROM quay.io/fedora/fedora-bootc:42\\n\"}\n{\"stream\":\"\\n\"}\n{\"aux\":{\"ID\":\"sha256:abc\"}}\n{\"stream\":\"COMMIT localhost/os:build\\n\"}\n"}
	conn := connect(t, fake)

	var out bytes.Buffer
	err := conn.Build(context.Background(), engine.BuildRequest{
		ContextDir: dir,
		Dockerfile: "Containerfile",
		Tag:        "localhost/os:build",
		Labels:     map[string]string{"a": "b"},
		Pull:       true,
		Log:        true,
	}, &out)
	assert.NilError(t, err)

	assert.Equal(t, out.String(), "STEP 1/2: FROM quay.io/fedora/fedora-bootc:42\n\nCOMMIT localhost/os:build\n")

	assert.Assert(t, is.Len(fake.Builds, 1))
	build := fake.Builds[0]
	assert.Equal(t, build.Options.Dockerfile, "Containerfile")
	assert.DeepEqual(t, build.Options.Tags, []string{"localhost/os:build"})
	assert.Assert(t, build.Options.PullParent)
	assert.Assert(t, build.Options.Remove)
	assert.DeepEqual(t, build.Options.Labels, map[string]string{"a": "b"})
	assert.Equal(t, build.Files["Containerfile"], "FROM quay.io/fedora/fedora-bootc:42\n")
}

func TestBuildQuietDrainsStream(t *testing.T) {
	fake := &enginetest.Fake{}
	conn := connect(t, fake)

	var out bytes.Buffer
	err := conn.Build(context.Background(), engine.BuildRequest{
		ContextDir: t.TempDir(),
		Dockerfile: "Containerfile",
		Tag:        "localhost/os:build",
	}, &out)
	assert.NilError(t, err)
	assert.Equal(t, out.Len(), 0)
}

func TestBuildErrorMessage(t *testing.T) {
	fake := &enginetest.Fake{BuildStream: "{\"stream\":\"STEP 1/2\\n\"}\n{\"error\":\"RUN dnf -y install foo: exit status 1\",\"errorDetail\":{\"message\":\"RUN dnf -y install foo: exit status 1\"}}\n"}
	conn := connect(t, fake)

	err := conn.Build(context.Background(), engine.BuildRequest{
		ContextDir: t.TempDir(),
		Dockerfile: "Containerfile",
		Tag:        "localhost/os:build",
	}, &bytes.Buffer{})
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeBuildFailed))
	assert.Check(t, is.Contains(err.Error(), "exit status 1"))
}

func TestBuildErrorWithoutDetail(t *testing.T) {
	fake := &enginetest.Fake{BuildStream: "{\"stream\":\"STEP 1/2\\n\"}\n{\"error\":\"no space left on device\"}\n{\"stream\":\"never printed\\n\"}\n"}
	conn := connect(t, fake)

	var out bytes.Buffer
	err := conn.Build(context.Background(), engine.BuildRequest{
		ContextDir: t.TempDir(),
		Dockerfile: "Containerfile",
		Tag:        "localhost/os:build",
		Log:        true,
	}, &out)
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeBuildFailed))
	assert.Check(t, is.Contains(err.Error(), "no space left on device"))
	assert.Equal(t, out.String(), "STEP 1/2\n")
}

func TestBuildRejected(t *testing.T) {
	fake := &enginetest.Fake{BuildErr: errors.New("500 internal server error")}
	conn := connect(t, fake)

	err := conn.Build(context.Background(), engine.BuildRequest{ContextDir: t.TempDir(), Dockerfile: "Containerfile", Tag: "x:y"}, &bytes.Buffer{})
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeEngineAPI))
}

func TestImageLabels(t *testing.T) {
	fake := &enginetest.Fake{Labels: map[string]map[string]string{
		"quay.io/fedora/fedora-bootc:42": {"org.opencontainers.image.version": "42.20250101.0"},
	}}
	conn := connect(t, fake)

	labels, err := conn.ImageLabels(context.Background(), "quay.io/fedora/fedora-bootc:42")
	assert.NilError(t, err)
	assert.Equal(t, labels["org.opencontainers.image.version"], "42.20250101.0")

	_, err = conn.ImageLabels(context.Background(), "quay.io/fedora/fedora-bootc:41")
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeImageNotFound))
}

func TestPruneReport(t *testing.T) {
	fake := &enginetest.Fake{PruneReports: []image.PruneReport{{
		ImagesDeleted: []image.DeleteResponse{
			{Deleted: "sha256:1111"},
			{Untagged: "localhost/os:old"},
			{Deleted: "sha256:2222"},
		},
		SpaceReclaimed: 3_221_225_472,
	}}}
	conn := connect(t, fake)

	report, err := conn.Prune(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, report.Deleted, []string{"sha256:1111", "sha256:2222"})
	assert.Equal(t, report.ReclaimedGB(), 3.0)
	assert.Equal(t, engine.FormatGB(report.ReclaimedGB()), "3.0")

	// Nothing new to prune the second time
	report, err = conn.Prune(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Len(report.Deleted, 0))
	assert.Equal(t, report.SpaceReclaimed, uint64(0))
}

func TestReclaimedGBRounding(t *testing.T) {
	tests := []struct {
		bytes uint64
		want  string
	}{
		{bytes: 0, want: "0.0"},
		{bytes: 1 << 30, want: "1.0"},
		{bytes: 1610612736, want: "1.5"},
		{bytes: 1288490189, want: "1.2"},
		{bytes: 5368709, want: "0.0"},
		{bytes: 12345678901, want: "11.5"},
	}
	for _, tt := range tests {
		got := engine.FormatGB(engine.PruneReport{SpaceReclaimed: tt.bytes}.ReclaimedGB())
		assert.Check(t, is.Equal(got, tt.want), "bytes=%d", tt.bytes)
	}
}

func TestRemove(t *testing.T) {
	fake := &enginetest.Fake{RemoveResults: map[string][]image.DeleteResponse{
		"localhost/os:build": {{Untagged: "localhost/os:build"}, {Deleted: "sha256:3333"}},
	}}
	conn := connect(t, fake)

	removed, err := conn.Remove(context.Background(), "localhost/os:build")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(removed, 2))

	_, err = conn.Remove(context.Background(), "localhost/os:missing")
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeImageNotFound))
}

func TestRunCapturesOutputAndRemovesContainer(t *testing.T) {
	fake := &enginetest.Fake{Run: func(name string, cmd []string) enginetest.RunResult {
		return enginetest.RunResult{Output: "NAME=\"Fedora Linux\"\r\n"}
	}}
	conn := connect(t, fake)

	out, err := conn.Run(context.Background(), engine.RunRequest{
		Image:         "quay.io/fedora/fedora-bootc:42",
		Name:          "add-labels-1234",
		Command:       []string{"cat", "/usr/lib/os-release"},
		ReadOnlyBinds: []string{"/etc/pki/key.pub"},
	})
	assert.NilError(t, err)
	assert.Equal(t, string(out), "NAME=\"Fedora Linux\"\r\n")

	assert.Assert(t, is.Len(fake.Containers, 1))
	created := fake.Containers[0]
	assert.Equal(t, created.Name, "add-labels-1234")
	assert.Assert(t, created.Config.Tty)
	assert.DeepEqual(t, []string(created.Config.Cmd), []string{"cat", "/usr/lib/os-release"})
	assert.DeepEqual(t, created.HostConfig.Binds, []string{"/etc/pki/key.pub:/etc/pki/key.pub:ro"})
	assert.DeepEqual(t, fake.RemovedContainers, []string{created.ID})
}

func TestRunNonZeroExit(t *testing.T) {
	fake := &enginetest.Fake{Run: func(name string, cmd []string) enginetest.RunResult {
		return enginetest.RunResult{Output: "Error: no matching signatures", ExitCode: 1}
	}}
	conn := connect(t, fake)

	out, err := conn.Run(context.Background(), engine.RunRequest{Image: "cosign:v2", Name: "verify-image-1"})
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeContainerRun))
	assert.Check(t, is.Contains(err.Error(), "no matching signatures"))
	assert.Equal(t, string(out), "Error: no matching signatures")
	assert.Assert(t, is.Len(fake.RemovedContainers, 1))
}

func TestRunCreateErrors(t *testing.T) {
	fake := &enginetest.Fake{CreateErr: errors.New("the container name is already in use")}
	conn := connect(t, fake)

	_, err := conn.Run(context.Background(), engine.RunRequest{Image: "cosign:v2", Name: "verify-cosign"})
	assert.Assert(t, bcierrors.HasCode(err, bcierrors.ErrorCodeEngineAPI))
	assert.Assert(t, is.Len(fake.RemovedContainers, 0))
}
