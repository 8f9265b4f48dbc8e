package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"bci/internal/engine"
	bcierrors "bci/internal/errors"
	"bci/internal/infra"
	"bci/internal/system"
)

// Keyless identity the upstream cosign image is signed with
const (
	cosignIdentity = "keyless@projectsigstore.iam.gserviceaccount.com"
	cosignIssuer   = "https://accounts.google.com"
)

const labelBuildFile = "Containerfile"

func (p *Pipeline) pull(ctx context.Context) error {
	for _, name := range p.config.ImageNames() {
		ref, err := p.config.Image(name)
		if err != nil {
			return err
		}
		err = p.withConn(ctx, func(conn *engine.Conn) error {
			return conn.Pull(ctx, ref.String(), p.out)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) verify(ctx context.Context) error {
	cosignRef, err := p.config.Image(infra.ImageCosign)
	if err != nil {
		return err
	}
	osRef, err := p.config.Image(infra.ImageOS)
	if err != nil {
		return err
	}
	key := p.config.Cosign.Verify.OSVerifyKey

	var binds []string
	if filepath.IsAbs(key) {
		if info, err := os.Stat(key); err == nil && info.Mode().IsRegular() {
			binds = append(binds, key)
		}
	}

	return p.withConn(ctx, func(conn *engine.Conn) error {
		output, err := conn.Run(ctx, engine.RunRequest{
			Image: cosignRef.String(),
			Name:  p.names("verify-cosign"),
			Command: []string{
				"verify", cosignRef.String(),
				"--certificate-identity", cosignIdentity,
				"--certificate-oidc-issuer", cosignIssuer,
			},
		})
		if err != nil {
			return err
		}
		p.printf("%s\n", trimVerifyOutput(output))

		output, err = conn.Run(ctx, engine.RunRequest{
			Image:         cosignRef.String(),
			Name:          p.names("verify-image"),
			Command:       []string{"verify", "--key", key, osRef.String()},
			ReadOnlyBinds: binds,
		})
		if err != nil {
			return err
		}
		p.printf("%s\n", trimVerifyOutput(output))
		return nil
	})
}

// trimVerifyOutput keeps cosign's human-readable summary and drops the JSON
// payload that follows it.
func trimVerifyOutput(output []byte) string {
	summary, _, _ := strings.Cut(string(output), "[")
	return strings.TrimSpace(summary)
}

func (p *Pipeline) build(ctx context.Context) error {
	path, err := infra.ResolveBuildFile(p.config.Build.Dockerfile)
	if err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeBuildFileNotFound, err, p.config.Build.Dockerfile)
	}
	if _, err := os.Stat(path); err != nil {
		return bcierrors.Wrap(bcierrors.ErrorCodeBuildFileNotFound, err, path)
	}

	p.printf("\nBuilding the container image. It may take a while.\n\n")

	err = p.withConn(ctx, func(conn *engine.Conn) error {
		return conn.Build(ctx, engine.BuildRequest{
			ContextDir: filepath.Dir(path),
			Dockerfile: filepath.Base(path),
			Tag:        p.config.Build.Tag,
			Pull:       true,
			Log:        p.config.Build.Log,
		}, p.out)
	})
	if err != nil {
		return err
	}

	return p.prune(ctx)
}

func (p *Pipeline) rechunk(ctx context.Context) error {
	maxLayers, _ := p.config.MaxLayers()

	p.printf("\nRechunking the container image...\n\n")

	err := system.Rechunk(ctx, p.runner, system.RechunkRequest{
		Tool:      p.config.Rechunk.Tool,
		From:      p.config.Rechunk.FromImage,
		To:        p.config.Rechunk.ToImage,
		MaxLayers: maxLayers,
	}, p.logger)
	if err != nil {
		return err
	}

	return p.prune(ctx)
}

func (p *Pipeline) label(ctx context.Context) error {
	err := p.withConn(ctx, func(conn *engine.Conn) error {
		labels, err := p.synthesizer.Synthesize(ctx, conn)
		if err != nil {
			return err
		}

		dir, err := os.MkdirTemp(p.tempDir, "bci-labels-")
		if err != nil {
			return bcierrors.Wrap(bcierrors.ErrorCodeBuildFailed, err, "failed to create temporary build directory")
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				p.logger.Warn("Failed to remove temporary build directory", zap.String("dir", dir), zap.Error(err))
			}
		}()

		content := "FROM " + p.config.Rechunk.ToImage + "\n"
		if err := os.WriteFile(filepath.Join(dir, labelBuildFile), []byte(content), 0o644); err != nil {
			return bcierrors.Wrap(bcierrors.ErrorCodeBuildFailed, err, "failed to write temporary build file")
		}

		p.printf("\nAdding labels to container image. It may take a while.\n\n")

		// The base is the rechunked image in local storage, so nothing is pulled
		return conn.Build(ctx, engine.BuildRequest{
			ContextDir: dir,
			Dockerfile: labelBuildFile,
			Tag:        p.config.Build.Labels.Tag,
			Labels:     labels,
			Log:        p.config.Build.Log,
		}, p.out)
	})
	if err != nil {
		return err
	}

	return p.prune(ctx)
}
