package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	bcierrors "bci/internal/errors"
)

// API is the subset of the Docker-compatible engine client the pipeline
// drives. *client.Client satisfies it.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ServerVersion(ctx context.Context) (types.Version, error)

	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagesPrune(ctx context.Context, pruneFilter filters.Args) (image.PruneReport, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error

	Close() error
}

// Dialer opens an API client for an engine endpoint
type Dialer func(host string) (API, error)

// DockerDialer creates a Docker API client for host. Podman serves the same
// API on its service socket.
func DockerDialer(host string) (API, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}
	return cli, nil
}

// Connector hands out stage-scoped engine connections
type Connector struct {
	host   string
	dial   Dialer
	logger *zap.Logger
}

// NewConnector creates a connector for the engine at host
func NewConnector(host string, logger *zap.Logger) *Connector {
	return NewConnectorWithDialer(host, DockerDialer, logger)
}

// NewConnectorWithDialer creates a connector that opens clients through dial
func NewConnectorWithDialer(host string, dial Dialer, logger *zap.Logger) *Connector {
	return &Connector{
		host:   host,
		dial:   dial,
		logger: logger,
	}
}

// Host returns the engine endpoint
func (c *Connector) Host() string {
	return c.host
}

// Connect opens a connection and pings the engine. A connection that cannot
// be opened or does not answer the ping is closed and reported as
// ENGINE_UNAVAILABLE. Callers own the returned Conn and must Close it.
func (c *Connector) Connect(ctx context.Context) (*Conn, error) {
	api, err := c.dial(c.host)
	if err != nil {
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeEngineUnavailable, err, c.host)
	}

	if _, err := api.Ping(ctx); err != nil {
		if closeErr := api.Close(); closeErr != nil {
			c.logger.Debug("Failed to close engine client", zap.Error(closeErr))
		}
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeEngineUnavailable, err, c.host)
	}

	c.logger.Debug("Connected to engine", zap.String("host", c.host))

	return &Conn{
		api:    api,
		logger: c.logger,
	}, nil
}

// Conn is one engine connection, valid for a single pipeline stage
type Conn struct {
	api    API
	logger *zap.Logger
	closed bool
}

// Close closes the engine client. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.api.Close()
}
