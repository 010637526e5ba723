// Package local writes export artifacts under a directory on disk.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/market-crawler/internal/pathguard"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	root *pathguard.Root
}

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if info, err := os.Stat(cfg.BaseDir); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	root, err := pathguard.New(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("base directory: %w", err)
	}

	check, err := os.CreateTemp(root.Dir(), ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = check.Close()
	if err := os.Remove(check.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up write check file: %w", err)
	}

	return &BlobStore{root: root}, nil
}

// Dir returns the canonical base directory.
func (s *BlobStore) Dir() string {
	return s.root.Dir()
}

// PutObject writes data below the base directory and returns a file:// URI.
// The file appears atomically.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q", path)
	}
	if err := os.MkdirAll(filepath.Join(s.root.Dir(), filepath.Dir(clean)), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	fullPath, err := s.root.Resolve(clean)
	if err != nil {
		return "", fmt.Errorf("path traversal detected: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	return "file://" + fullPath, nil
}
