package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/vaderyang/voidrun/internal/backend"
)

// WriteFile implements backend.Backend. The file is shipped as a tar stream so
// content arrives byte-exact; parent directories are carried as tar entries and
// created by the extraction itself.
//
// The root filesystem is read-only, so the tar is extracted at the first path
// component (the writable mounts /sandbox and /tmp) rather than at /.
func (b *Backend) WriteFile(ctx context.Context, h Handle, p string, data []byte, executable bool) error {
	abs := p
	if !path.IsAbs(abs) {
		abs = path.Join(backend.SandboxRoot, abs)
	}
	abs = path.Clean(abs)

	rest := strings.TrimPrefix(abs, "/")
	first, rel, ok := strings.Cut(rest, "/")
	if !ok {
		return fmt.Errorf("%w: cannot write directly under /: %s", backend.ErrInvalidSpec, p)
	}
	base := "/" + first

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	// Directory entries for each ancestor below base, shallowest first.
	var dirs []string
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	for _, dir := range dirs {
		hdr := &tar.Header{
			Name:     dir + "/",
			Typeflag: tar.TypeDir,
			Mode:     0755,
			ModTime:  time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar write header failed: %w", err)
		}
	}

	mode := int64(0644)
	if executable {
		mode = 0755
	}
	hdr := &tar.Header{
		Name:    rel,
		Size:    int64(len(data)),
		Mode:    mode,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar write header failed: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write body failed: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close failed: %w", err)
	}

	if err := b.cli.CopyToContainer(ctx, h.ID, base, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("docker copy failed: %w", err)
	}
	return nil
}
