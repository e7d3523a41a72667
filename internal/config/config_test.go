package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jaronchong/hyperzoom/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.AudioInputDevice != -1 || cfg.AudioOutputDevice != -1 || cfg.CameraDevice != -1 {
		t.Error("expected device IDs to default to -1")
	}
	if cfg.RecordingRoot == "" {
		t.Error("expected a non-empty default recording root")
	}
	if cfg.BindPort != 0 {
		t.Errorf("expected ephemeral default bind port 0, got %d", cfg.BindPort)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		BindPort:          40001,
		DisplayName:       "Alice",
		AudioInputDevice:  2,
		AudioOutputDevice: 3,
		CameraDevice:      1,
		RecordingRoot:     "/tmp/recordings",
	}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded != cfg {
		t.Errorf("loaded = %+v, want %+v", loaded, cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.RecordingRoot == "" {
		t.Error("expected non-empty recording root from defaults")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "hyperzoom", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.AudioInputDevice != -1 {
		t.Errorf("expected default device on corrupt file, got %d", cfg.AudioInputDevice)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "hyperzoom", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestFlagsOverlayOnlyAppliesSetFields(t *testing.T) {
	base := config.Config{DisplayName: "Original", BindPort: 100}
	var f config.Flags
	f.DisplayName = "Overridden"
	f.MarkDisplayNameSet()

	got := f.Overlay(base)
	if got.DisplayName != "Overridden" {
		t.Errorf("expected DisplayName overridden, got %q", got.DisplayName)
	}
	if got.BindPort != 100 {
		t.Errorf("expected BindPort unchanged, got %d", got.BindPort)
	}
}
