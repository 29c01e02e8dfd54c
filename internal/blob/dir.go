package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirStore implements Store on a local directory. Handy for development and
// single-host deployments behind a static file server.
type DirStore struct {
	root    string
	baseURL string
}

// NewDirStore creates root if needed. Without a base URL, PublicURL returns
// file:// URLs.
func NewDirStore(root, publicBaseURL string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &DirStore{root: abs, baseURL: publicBaseURL}, nil
}

func (d *DirStore) Upload(ctx context.Context, path, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (d *DirStore) PublicURL(path string) string {
	if d.baseURL != "" {
		return joinURL(d.baseURL, path)
	}
	return joinURL("file://"+filepath.ToSlash(d.root), path)
}

// resolve maps an object path under root and refuses paths escaping it.
func (d *DirStore) resolve(path string) (string, error) {
	target := filepath.Join(d.root, filepath.FromSlash(path))
	if target != d.root && !strings.HasPrefix(target, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes blob dir", path)
	}
	return target, nil
}
