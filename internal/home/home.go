package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the leaf home directory.
	DefaultDirName = ".leaf"

	// ScratchDirName is the subdirectory for spilled pre-extraction output.
	ScratchDirName = "scratch"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// IndexDBFileName is the archive index database.
	IndexDBFileName = "indexes.db"
)

// Dir represents the leaf home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.leaf).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ScratchPath returns the directory pre-extraction spills into. Its
// contents can be deleted whenever leaf is not running.
func (d *Dir) ScratchPath() string {
	return filepath.Join(d.path, ScratchDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// IndexDBPath returns the path to the archive index database.
func (d *Dir) IndexDBPath() string {
	return filepath.Join(d.path, IndexDBFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	// Create scratch directory (this also creates the parent)
	if err := os.MkdirAll(d.ScratchPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// CleanScratch removes leftovers from earlier runs that ended without
// cleaning up, and returns how many entries were removed.
func (d *Dir) CleanScratch() (int, error) {
	entries, err := os.ReadDir(d.ScratchPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read scratch directory: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.ScratchPath(), e.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
