package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Exists reports whether path names an existing file. An empty path does not.
func Exists(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// EnsureDir creates the parent directory of path.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// Sibling returns name placed next to the config file at path.
func Sibling(path, name string) string {
	return filepath.Join(filepath.Dir(path), name)
}
