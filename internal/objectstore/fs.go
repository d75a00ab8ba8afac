package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/54b3r/docindex-go/internal/rag"
)

// FSStore is a rag.ObjectStore rooted at a local directory.
type FSStore struct {
	root string
	now  func() time.Time
}

var _ rag.ObjectStore = (*FSStore)(nil)

// NewFSStore creates root if needed and returns a store writing beneath it.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("objectstore: empty root directory: %w", rag.ErrInvalidInput)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("objectstore: create %s: %w", root, err)
	}
	return &FSStore{root: root, now: time.Now}, nil
}

// Put writes data under a freshly generated key. The write goes through a
// temporary file so readers never observe a partial object.
func (s *FSStore) Put(ctx context.Context, filename string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := NewKey(s.now(), filename)
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return key, nil
}

// Get returns the bytes stored under key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("objectstore: %s: %w", key, rag.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("objectstore: %s: %w", key, rag.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// Ping checks that the root directory still exists.
func (s *FSStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("objectstore: stat %s: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("objectstore: %s is not a directory", s.root)
	}
	return nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
