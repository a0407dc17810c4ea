package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/theirongolddev/tcap/internal/model"
)

func TestLoadFile_MissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Capture.Enabled {
		t.Error("Capture.Enabled = false, want true by default")
	}
	if cfg.Storage.MaxChunkSize != 64*1024 {
		t.Errorf("MaxChunkSize = %d, want %d", cfg.Storage.MaxChunkSize, 64*1024)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Capture.Enabled = false
	cfg.Capture.ExclusionPatterns = []string{"hunter2", `token=\w+`}
	cfg.Capture.ExcludedProjects = []string{"/secret/**"}

	if err := SaveFile(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Capture.Enabled {
		t.Error("Capture.Enabled = true, want false")
	}
	if len(got.Capture.ExclusionPatterns) != 2 || got.Capture.ExclusionPatterns[1] != `token=\w+` {
		t.Errorf("ExclusionPatterns = %v, order not preserved", got.Capture.ExclusionPatterns)
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[capture\nenabled = maybe"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadFile_ValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[storage]\nmax_chunk_size = 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestCaptures(t *testing.T) {
	c := CaptureConfig{CaptureCommands: true, CaptureErrors: true}
	if !c.Captures(model.KindCommand) || c.Captures(model.KindOutput) || !c.Captures(model.KindError) {
		t.Errorf("Captures mismatch for %+v", c)
	}
	if !c.Captures(model.KindSessionEnd) {
		t.Error("lifecycle kinds must always be captured")
	}
}

func TestFileSource_FallsBackToSafeDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not = [valid"), 0o600); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path, 0)
	if src.Current().Capture.Enabled {
		t.Fatal("malformed config without last-known-good must disable capture")
	}
}

func TestFileSource_KeepsLastKnownGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Capture.ExclusionPatterns = []string{"canary"}
	if err := SaveFile(path, cfg); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path, 0)
	if got := src.Current(); !got.Capture.Enabled {
		t.Fatal("expected enabled config")
	}

	if err := os.WriteFile(path, []byte("garbage = [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got := src.Current()
	if !got.Capture.Enabled || len(got.Capture.ExclusionPatterns) != 1 {
		t.Fatalf("Current() = %+v, want last known good", got.Capture)
	}
}

func TestFileSource_HonorsTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveFile(path, DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewFileSource(path, time.Second)
	src.now = func() time.Time { return now }
	_ = src.Current()

	off := DefaultConfig()
	off.Capture.Enabled = false
	if err := SaveFile(path, off); err != nil {
		t.Fatal(err)
	}

	if !src.Current().Capture.Enabled {
		t.Fatal("config refreshed before TTL elapsed")
	}
	now = now.Add(time.Second)
	if src.Current().Capture.Enabled {
		t.Fatal("config not refreshed after TTL elapsed")
	}
}
