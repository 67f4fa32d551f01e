// Package local implements a Blob on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/linewatch/internal/storage"
)

// DefaultName is the document file name used when none is configured.
const DefaultName = "subscriptions.json"

// Config captures the parameters for the local filesystem blob.
type Config struct {
	// BaseDir is the directory holding the document.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// Name is the document file name inside BaseDir.
	Name string `mapstructure:"name" yaml:"name"`
}

// BlobStore keeps one document on the local filesystem.
type BlobStore struct {
	baseDir string
	path    string
}

var _ storage.Blob = (*BlobStore)(nil)

// New creates a new local filesystem-backed blob, creating BaseDir when needed.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("document name %q must be a plain file name", name)
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{
		baseDir: cfg.BaseDir,
		path:    filepath.Join(cfg.BaseDir, name),
	}, nil
}

// Location returns a file:// URI for the document.
func (s *BlobStore) Location() string {
	return "file://" + s.path
}

// Read returns the document contents or storage.ErrNotFound.
func (s *BlobStore) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Write replaces the document atomically through a temp file and rename.
func (s *BlobStore) Write(_ context.Context, data []byte) error {
	tmp, err := os.CreateTemp(s.baseDir, ".subscriptions-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace document: %w", err)
	}
	return nil
}
