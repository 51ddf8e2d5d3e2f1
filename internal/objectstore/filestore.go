// Package objectstore provides a minimal local-disk implementation of
// mirror.ObjectStore for development and single-node deployments. A
// production deployment is expected to supply its own PUT-if-not-exists
// client (S3, GCS, etc.) — the object store is an external collaborator
// per the gateway's design, specified only at its interface.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore writes objects under a root directory and serves them through
// a configured CDN-style URL prefix. PutIfAbsent is idempotent: an object
// that already exists on disk is left untouched.
type FileStore struct {
	root   string
	prefix string
}

// NewFileStore creates a FileStore rooted at dir, whose public URLs are
// built as strings.TrimRight(publicPrefix, "/") + "/" + key.
func NewFileStore(dir, publicPrefix string) *FileStore {
	return &FileStore{root: dir, prefix: strings.TrimRight(publicPrefix, "/")}
}

// PutIfAbsent implements mirror.ObjectStore.
func (s *FileStore) PutIfAbsent(_ context.Context, key, _ string, body []byte) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err == nil {
		return s.publicURL(key), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("objectstore: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("objectstore: write: %w", err)
	}
	// The rename is atomic, so readers never see a partial object. A
	// concurrent writer that passed the Stat check too renames over the same
	// path; the last rename wins, and the content is identical since keys
	// are content-addressed.
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("objectstore: rename: %w", err)
	}
	return s.publicURL(key), nil
}

func (s *FileStore) publicURL(key string) string {
	return s.prefix + "/" + key
}
