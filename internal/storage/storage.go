// Package storage persists attachment blobs. The filesystem backend is the
// only one wired today; the Backend interface keeps an object-store
// implementation possible without touching callers.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Backend stores and retrieves attachment content by an opaque path.
type Backend interface {
	// Store writes content and returns the storage path to persist on the
	// attachment row.
	Store(ctx context.Context, orgID uint, fileName string, content []byte) (string, error)
	// Retrieve reads content previously written by Store.
	Retrieve(ctx context.Context, path string) ([]byte, error)
	// Delete removes stored content. Deleting a missing path is not an
	// error.
	Delete(ctx context.Context, path string) error
}

// FilesystemBackend stores blobs under root/<org>/<uuid><ext>. The uuid
// name keeps user-supplied file names out of the filesystem entirely.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend creates the backend rooted at dir, creating it if
// needed.
func NewFilesystemBackend(dir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage root %s: %w", dir, err)
	}
	return &FilesystemBackend{root: dir}, nil
}

func (b *FilesystemBackend) Store(_ context.Context, orgID uint, fileName string, content []byte) (string, error) {
	rel := filepath.Join(fmt.Sprintf("%d", orgID), uuid.NewString()+filepath.Ext(fileName))
	abs := filepath.Join(b.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, content, 0o640); err != nil {
		return "", err
	}
	return rel, nil
}

func (b *FilesystemBackend) Retrieve(_ context.Context, path string) ([]byte, error) {
	abs, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (b *FilesystemBackend) Delete(_ context.Context, path string) error {
	abs, err := b.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(abs)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// resolve rejects paths that would escape the storage root.
func (b *FilesystemBackend) resolve(path string) (string, error) {
	rel := filepath.Clean(path)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("storage path %q outside root", path)
	}
	return filepath.Join(b.root, rel), nil
}
