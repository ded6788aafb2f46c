package cagg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSnapshotBackend stores snapshots on the local filesystem.
type FileSnapshotBackend struct {
	baseDir string
}

// NewFileSnapshotBackend creates a file-based snapshot backend.
func NewFileSnapshotBackend(baseDir string) (*FileSnapshotBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Store the cleaned absolute path for consistent path traversal checks
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &FileSnapshotBackend{baseDir: filepath.Clean(absDir)}, nil
}

// safePath validates and returns a safe path within the base directory.
// It prevents path traversal attacks by ensuring the resolved path stays within baseDir.
func (f *FileSnapshotBackend) safePath(key string) (string, error) {
	cleanKey := filepath.Clean(key)
	joined := filepath.Join(f.baseDir, cleanKey)
	resolved := filepath.Clean(joined)

	// Must either equal baseDir or be a child path (has baseDir/ as prefix)
	if resolved != f.baseDir && !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", errors.New("invalid key: path traversal attempt detected")
	}
	return resolved, nil
}

func (f *FileSnapshotBackend) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (f *FileSnapshotBackend) Write(ctx context.Context, key string, data []byte) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *FileSnapshotBackend) Delete(ctx context.Context, key string) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (f *FileSnapshotBackend) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath, err := f.safePath(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(f.baseDir, path)
			keys = append(keys, rel)
		}
		return nil
	})
	return keys, err
}

func (f *FileSnapshotBackend) Exists(ctx context.Context, key string) (bool, error) {
	path, err := f.safePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (f *FileSnapshotBackend) Close() error {
	return nil
}
