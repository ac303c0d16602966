// Package home manages the vworld home directory layout.
//
// The home directory owns all persistent server state: the scheduler/
// listener config file and any document-store snapshot.
//
// Layout:
//
//	<root>/
//	  config.json   (file-backed config.Store)
//	  documents/     (reserved for a future on-disk document store backend)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a vworld home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/vworld
//   - macOS:   ~/Library/Application Support/vworld
//   - Windows: %APPDATA%/vworld
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "vworld")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the server's config.json.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// DocumentsDir returns the directory reserved for document-store data.
func (d Dir) DocumentsDir() string {
	return filepath.Join(d.root, "documents")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
