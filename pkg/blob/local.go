// Package blob provides artifact storage backends for generated media.
package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// LocalFS stores artifacts under a root directory on the local filesystem.
type LocalFS struct {
	Root string
}

// NewLocalFS creates a filesystem store rooted at dir.
func NewLocalFS(dir string) *LocalFS {
	return &LocalFS{Root: dir}
}

func (l *LocalFS) path(key string) string {
	return filepath.Join(l.Root, filepath.Clean(key))
}

// Put writes the reader's content to the key's path.
func (l *LocalFS) Put(ctx context.Context, key string, r io.Reader) error {
	abs := l.path(key)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.Create(abs)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// Open opens the artifact at key for reading.
func (l *LocalFS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(l.path(key))
}

// Remove deletes the artifact at key.
func (l *LocalFS) Remove(ctx context.Context, key string) error {
	return os.Remove(l.path(key))
}
