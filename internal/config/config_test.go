package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsEmptyConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	m, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := m.Get()
	if len(cfg.AllowedPaths) != 0 || len(cfg.DenySpec) != 0 {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestLoadParsesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, _ := json.Marshal(Config{AllowedPaths: []string{"/home/user/project"}, LogLevel: "debug"})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	m, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := m.Get()
	if len(cfg.AllowedPaths) != 1 || cfg.AllowedPaths[0] != "/home/user/project" {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("got log level %q", cfg.LogLevel)
	}
}

func TestOverridesWinOverFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, _ := json.Marshal(Config{LogLevel: "debug"})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	m, err := Load(path, Overrides{LogLevel: "warn", Allow: []string{"/tmp"}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := m.Get()
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected override log level, got %q", cfg.LogLevel)
	}
	if len(cfg.AllowedPaths) != 1 || cfg.AllowedPaths[0] != "/tmp" {
		t.Fatalf("expected override allow list, got %+v", cfg.AllowedPaths)
	}
}

func TestSetDenySpecPersistsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.json")
	m, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.SetDenySpec([]string{"curl", "wget"}); err != nil {
		t.Fatalf("SetDenySpec: %v", err)
	}
	if got := m.Get().DenySpec; len(got) != 2 {
		t.Fatalf("expected in-memory update, got %v", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile: %v", err)
	}
	var onDisk Config
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if len(onDisk.DenySpec) != 2 || onDisk.DenySpec[0] != "curl" {
		t.Fatalf("got on-disk config %+v", onDisk)
	}

	var leftoverTemp bool
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			leftoverTemp = true
		}
	}
	if leftoverTemp {
		t.Fatalf("expected no leftover temp file after atomic rename")
	}
}

func TestWatchForExternalEditsReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	m, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reloaded := make(chan Config, 1)
	if err := m.WatchForExternalEdits(func(cfg Config) { reloaded <- cfg }); err != nil {
		t.Fatalf("WatchForExternalEdits: %v", err)
	}
	defer m.Close()

	if err := m.SetAllowedPaths([]string{"/srv/app"}); err != nil {
		t.Fatalf("SetAllowedPaths: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if len(cfg.AllowedPaths) != 1 || cfg.AllowedPaths[0] != "/srv/app" {
			t.Fatalf("got %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
