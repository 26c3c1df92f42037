// Package blob stores raw upload files on local disk. Each dataset owns
// exactly one blob; the store hands out opaque names that the repository
// persists alongside the dataset row.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store writes and deletes blobs under a single root directory.
type Store struct {
	dir string
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes content under a uuid-prefixed name derived from the original
// filename and returns that name. The prefix keeps repeated uploads of the
// same file from colliding.
func (s *Store) Save(filename string, content []byte) (string, error) {
	name := uuid.New().String() + "_" + sanitize(filename)
	if err := os.WriteFile(filepath.Join(s.dir, name), content, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return name, nil
}

// Delete removes a previously saved blob. A missing file is not an error:
// eviction may race a manual cleanup and must stay idempotent.
func (s *Store) Delete(name string) error {
	if name == "" {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", name, err)
	}
	return nil
}

// Path returns the absolute location of a stored blob.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// sanitize strips directory components so a hostile filename cannot escape
// the store root.
func sanitize(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	base := filepath.Base(filename)
	if base == "." || base == "/" || base == "" {
		return "upload.csv"
	}
	return base
}
