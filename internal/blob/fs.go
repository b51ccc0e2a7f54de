package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStore keeps blobs as files under a root directory. It backs local CLI
// runs, where artifacts must survive process restarts alongside the job
// database so a resumed run finds the images it already rasterized.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at root, creating the
// directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// path maps a blob key onto a file path under the root. Keys that would
// escape the root are rejected.
func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes the bytes to a file under the root and returns a file URL.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return "file://" + path, nil
}

// Get reads the bytes stored under key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// SignedURL returns a file URL; local files need no signing.
func (s *FSStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	} else if err != nil {
		return "", err
	}
	return "file://" + path, nil
}
