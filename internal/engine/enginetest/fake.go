// Package enginetest provides an in-memory engine API for tests.
package enginetest

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"bci/internal/engine"
)

// Build records one ImageBuild call
type Build struct {
	Options types.ImageBuildOptions
	Files   map[string]string // Build context contents by path
}

// Container records one ContainerCreate call
type Container struct {
	ID         string
	Name       string
	Config     container.Config
	HostConfig container.HostConfig
}

// RunResult is what a fake container prints and exits with
type RunResult struct {
	Output   string
	ExitCode int64
}

// Fake implements engine.API. Zero values behave like a healthy, empty engine.
type Fake struct {
	DialErr error
	PingErr error

	VersionInfo types.Version

	PullStream string
	PullErrs   map[string]error

	BuildStream string
	BuildErr    error
	// Build streams by tag, taking precedence over BuildStream
	BuildStreams map[string]string

	// Labels by image reference; a missing reference is reported as not found
	Labels map[string]map[string]string

	// Consumed one per prune; once exhausted prunes report nothing
	PruneReports []image.PruneReport
	PruneErr     error

	// Results by image reference; a missing reference is reported as not found
	RemoveResults map[string][]image.DeleteResponse

	// Decides each container's output; nil runs print nothing and exit 0
	Run       func(name string, cmd []string) RunResult
	CreateErr error

	Calls             []string
	Dials             int
	Closes            int
	Pulled            []string
	Builds            []Build
	Prunes            int
	RemovedImages     []string
	Containers        []Container
	RemovedContainers []string

	results map[string]RunResult
}

// Dial is an engine.Dialer returning f
func (f *Fake) Dial(host string) (engine.API, error) {
	f.Dials++
	f.record("dial")
	if f.DialErr != nil {
		return nil, f.DialErr
	}
	return f, nil
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) Ping(ctx context.Context) (types.Ping, error) {
	f.record("ping")
	return types.Ping{}, f.PingErr
}

func (f *Fake) ServerVersion(ctx context.Context) (types.Version, error) {
	f.record("version")
	return f.VersionInfo, nil
}

func (f *Fake) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.record("pull")
	if err, ok := f.PullErrs[refStr]; ok {
		return nil, err
	}
	f.Pulled = append(f.Pulled, refStr)
	stream := f.PullStream
	if stream == "" {
		stream = fmt.Sprintf("{\"status\":\"Pulling %s\"}\n{\"status\":\"Download complete\"}\n", refStr)
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func (f *Fake) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.record("build")
	files, err := readTar(buildContext)
	if err != nil {
		return types.ImageBuildResponse{}, err
	}
	f.Builds = append(f.Builds, Build{Options: options, Files: files})
	if f.BuildErr != nil {
		return types.ImageBuildResponse{}, f.BuildErr
	}
	stream := f.BuildStream
	if len(options.Tags) > 0 {
		if tagged, ok := f.BuildStreams[options.Tags[0]]; ok {
			stream = tagged
		}
	}
	if stream == "" {
		stream = "{\"stream\":\"STEP 1/1: FROM base\\n\"}\n{\"stream\":\"COMMIT\\n\"}\n"
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(stream))}, nil
}

func (f *Fake) ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error) {
	f.record("inspect")
	labels, ok := f.Labels[imageID]
	if !ok {
		return image.InspectResponse{}, nil, fmt.Errorf("image %s: %w", imageID, cerrdefs.ErrNotFound)
	}

	raw, err := json.Marshal(map[string]any{
		"Id":     "sha256:" + strings.Repeat("a", 64),
		"Config": map[string]any{"Labels": labels},
	})
	if err != nil {
		return image.InspectResponse{}, nil, err
	}
	var resp image.InspectResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return image.InspectResponse{}, nil, err
	}
	return resp, raw, nil
}

func (f *Fake) ImagesPrune(ctx context.Context, pruneFilter filters.Args) (image.PruneReport, error) {
	f.record("prune")
	f.Prunes++
	if f.PruneErr != nil {
		return image.PruneReport{}, f.PruneErr
	}
	if got := pruneFilter.Get("dangling"); len(got) != 1 || got[0] != "true" {
		return image.PruneReport{}, errors.New("prune without dangling=true filter")
	}
	if len(f.PruneReports) == 0 {
		return image.PruneReport{}, nil
	}
	report := f.PruneReports[0]
	f.PruneReports = f.PruneReports[1:]
	return report, nil
}

func (f *Fake) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.record("remove")
	results, ok := f.RemoveResults[imageID]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", imageID, cerrdefs.ErrNotFound)
	}
	f.RemovedImages = append(f.RemovedImages, imageID)
	return results, nil
}

func (f *Fake) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.record("create")
	if f.CreateErr != nil {
		return container.CreateResponse{}, f.CreateErr
	}

	id := fmt.Sprintf("ctr-%d", len(f.Containers)+1)
	f.Containers = append(f.Containers, Container{
		ID:         id,
		Name:       containerName,
		Config:     *config,
		HostConfig: *hostConfig,
	})

	result := RunResult{}
	if f.Run != nil {
		result = f.Run(containerName, config.Cmd)
	}
	if f.results == nil {
		f.results = map[string]RunResult{}
	}
	f.results[id] = result

	return container.CreateResponse{ID: id}, nil
}

func (f *Fake) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.record("start")
	return nil
}

func (f *Fake) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.record("wait")
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	statusCh <- container.WaitResponse{StatusCode: f.results[containerID].ExitCode}
	return statusCh, errCh
}

func (f *Fake) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.record("logs")
	return io.NopCloser(strings.NewReader(f.results[containerID].Output)), nil
}

func (f *Fake) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.record("rm")
	f.RemovedContainers = append(f.RemovedContainers, containerID)
	return nil
}

func (f *Fake) Close() error {
	f.record("close")
	f.Closes++
	return nil
}

func readTar(r io.Reader) (map[string]string, error) {
	files := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read build context: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[hdr.Name] = string(data)
	}
}
