package file

import (
	"path/filepath"
	"testing"
	"time"

	"vworld/internal/config"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"), nil)
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg != config.Default() {
		t.Fatalf("Load() = %+v, want default", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cfg.json"), nil)
	want := config.Default()
	want.Scheduler.Workers = 16

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestWatchDeliversOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	s := New(path, nil)
	if err := s.Save(config.Default()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	changes := make(chan config.Config, 1)
	if err := s.Watch(func(c config.Config) { changes <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer s.Close()

	updated := config.Default()
	updated.Scheduler.Workers = 32
	if err := s.Save(updated); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case got := <-changes:
		if got.Scheduler.Workers != 32 {
			t.Fatalf("delivered config workers = %d, want 32", got.Scheduler.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch callback")
	}
}
