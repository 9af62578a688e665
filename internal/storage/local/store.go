// Package local stores crawled bodies as files in a directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const entryPattern = "entry-*"

// Config captures the parameters for the filesystem store.
type Config struct {
	// Directory receives one file per fetched URL. It is wiped by Reset.
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// Store writes each entry to a uniquely named file in Directory.
type Store struct {
	dir string
}

// New validates cfg. The directory is not touched until Reset.
func New(cfg Config) (*Store, error) {
	dir := strings.TrimSpace(cfg.Directory)
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	return &Store{dir: filepath.Clean(dir)}, nil
}

// Directory returns the output directory.
func (s *Store) Directory() string {
	return s.dir
}

// Reset deletes the directory and everything under it, recreates it, and
// checks that it is writable.
func (s *Store) Reset(_ context.Context) error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove output directory: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	probe, err := os.CreateTemp(s.dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("output directory is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("remove probe file: %w", err)
	}
	return nil
}

// CreateEntry opens a new uniquely named file. The returned location is the
// file's path.
func (s *Store) CreateEntry(ctx context.Context) (io.WriteCloser, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("create entry: %w", err)
	}
	f, err := os.CreateTemp(s.dir, entryPattern)
	if err != nil {
		return nil, "", fmt.Errorf("create entry file: %w", err)
	}
	return f, f.Name(), nil
}
