package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/jsonmessage"
	goarchive "github.com/moby/go-archive"
)

// BuildImage builds tag from the Dockerfile in contextDir. The runtime name
// is the base name of contextDir and is recorded as an image label.
func (m *Manager) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildCtx, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := m.docker.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{labelPrefix + ".runtime": filepath.Base(contextDir)},
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if err := drainProgress(resp.Body); err != nil {
		return fmt.Errorf("build image %s: %w", tag, err)
	}
	slog.Info("runtime image built", "image", tag, "context", contextDir)
	return nil
}

// drainProgress consumes a build or pull progress stream. The daemon
// reports failures inside the stream with a 200 status, so the messages
// must be decoded to notice them.
func drainProgress(r io.Reader) error {
	return jsonmessage.DisplayJSONMessagesStream(r, io.Discard, 0, false, nil)
}
