package engine

import (
	"context"
)

// VersionInfo describes the engine behind the connection
type VersionInfo struct {
	Release       string // Engine release, e.g. 5.4.0
	API           string // Native (libpod) API version
	CompatibleAPI string // Docker-compatible API version
}

// Version queries the engine release and API versions
func (c *Conn) Version(ctx context.Context) (VersionInfo, error) {
	v, err := c.api.ServerVersion(ctx)
	if err != nil {
		return VersionInfo{}, classify(err, "version")
	}

	info := VersionInfo{
		Release:       v.Version,
		CompatibleAPI: v.APIVersion,
	}
	if len(v.Components) > 0 {
		info.API = v.Components[0].Details["APIVersion"]
	}
	return info, nil
}
