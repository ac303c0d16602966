// Package file implements a file-backed config.Store with hot reload.
package file

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"vworld/internal/config"
	"vworld/internal/logging"
)

// Store is a file-backed config.Store. Saves write a versioned JSON
// envelope atomically (temp file + rename) so a crash mid-write never
// leaves a corrupt or half-written config on disk. When Watch is started,
// changes to the underlying file made by another process (or an operator
// editing it directly) are detected via fsnotify and delivered to a
// caller-supplied callback — this is the "hot config reload" path scenario
// 8 exercises.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// New returns a Store backed by path. The file need not exist yet; Load
// returns config.Default() in that case.
func New(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logging.Default(logger).With("component", "config-store"),
	}
}

// Load reads and parses the config file, or returns the default
// configuration if it does not exist.
func (s *Store) Load() (config.Config, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	return cfg, nil
}

// Save atomically writes cfg to the store's file: marshal, write to a temp
// file in the same directory, fsync, then rename over the destination.
func (s *Store) Save(cfg config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

// Watch starts an fsnotify watch on the config file's directory and calls
// onChange with the freshly-loaded config every time the file is written.
// Parse errors are logged and skipped rather than delivered, so a bad edit
// in progress doesn't tear down the running server. Call Close to stop.
func (s *Store) Watch(onChange func(config.Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return fmt.Errorf("config: watch already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	s.watcher = watcher
	s.stop = make(chan struct{})

	go s.watchLoop(watcher, s.stop, onChange)
	return nil
}

func (s *Store) watchLoop(watcher *fsnotify.Watcher, stop chan struct{}, onChange func(config.Config)) {
	defer watcher.Close()
	for {
		select {
		case <-stop:
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := s.Load()
			if err != nil {
				s.logger.Warn("reload config failed, keeping running config", "error", err)
				continue
			}
			onChange(cfg)
		}
	}
}

// Close stops the watch goroutine, if running.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.stop)
	s.watcher = nil
	s.stop = nil
	return nil
}
