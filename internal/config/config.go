// Package config owns the daemon's on-disk configuration: AllowedPath
// entries, the command DenySpec, and ambient settings like log level. It
// loads ~/.hostbridged/config.json, layers CLI flag overrides on top of the
// file the way a project settings file layers over a user settings file,
// and can persist DenySpec/AllowedPath edits back to disk (SetDenySpec,
// SetAllowedPaths). The block_command/unblock_command tools do not call
// these; their edits change only the in-memory command policy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Config is the on-disk and in-memory shape of ~/.hostbridged/config.json.
type Config struct {
	AllowedPaths []string `json:"allowed_paths,omitempty"`
	DenySpec     []string `json:"deny_spec,omitempty"`
	LogLevel     string   `json:"log_level,omitempty"`
	LogFile      string   `json:"log_file,omitempty"`
	RulesFile    string   `json:"rules_file,omitempty"`
	MonitorAddr  string   `json:"monitor_addr,omitempty"`
}

// Overrides carries CLI flag values; a zero value for a field means "not
// passed on the command line, don't override the file".
type Overrides struct {
	ConfigPath string
	Allow      []string
	Deny       []string
	LogLevel   string
}

// DefaultPath returns ~/.hostbridged/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".hostbridged", "config.json"), nil
}

// Manager owns the current Config, the path it was loaded from, and an
// optional fsnotify watcher for hot reload. Reads are lock-protected so a
// watcher goroutine can swap the config while request handlers read it.
type Manager struct {
	mu       sync.RWMutex
	path     string
	cfg      Config
	watcher  *fsnotify.Watcher
	onReload func(Config)
}

// Load reads path (falling back to DefaultPath when empty), applies
// overrides, and returns a ready Manager. A missing file is not an error —
// it's treated as an empty Config so first-run defaults from the caller
// apply untouched.
func Load(path string, overrides Overrides) (*Manager, error) {
	if path == "" {
		path = overrides.ConfigPath
	}
	if path == "" {
		def, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = def
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &cfg); jerr != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, jerr)
		}
	case os.IsNotExist(err):
		// First run: no config file yet, defaults apply.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyOverrides(&cfg, overrides)

	return &Manager{path: path, cfg: cfg}, nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if len(o.Allow) > 0 {
		cfg.AllowedPaths = o.Allow
	}
	if len(o.Deny) > 0 {
		cfg.DenySpec = o.Deny
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
}

// Get returns a copy of the current config, safe to read without holding
// any lock afterward.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Path returns the file this Manager loads from and saves to.
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path
}

// SetDenySpec atomically swaps the in-memory DenySpec and persists the full
// config to disk. The dispatcher's block_command/unblock_command handlers do
// not call it.
func (m *Manager) SetDenySpec(denySpec []string) error {
	m.mu.Lock()
	m.cfg.DenySpec = append([]string(nil), denySpec...)
	cfg := m.cfg
	path := m.path
	m.mu.Unlock()
	return saveAtomic(path, cfg)
}

// SetAllowedPaths atomically swaps AllowedPath entries and persists them.
func (m *Manager) SetAllowedPaths(paths []string) error {
	m.mu.Lock()
	m.cfg.AllowedPaths = append([]string(nil), paths...)
	cfg := m.cfg
	path := m.path
	m.mu.Unlock()
	return saveAtomic(path, cfg)
}

// saveAtomic writes cfg as indented JSON to a temp file in the same
// directory, then renames it into place, so a reader (or the fsnotify
// watcher) never observes a half-written file.
func saveAtomic(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, werr := tmp.Write(data); werr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", werr)
	}
	if cerr := tmp.Close(); cerr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", cerr)
	}
	if rerr := os.Rename(tmpPath, path); rerr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename into place: %w", rerr)
	}
	return nil
}

// WatchForExternalEdits starts an fsnotify watcher on the config file's
// directory and calls onReload with the freshly-parsed Config whenever the
// file changes on disk (an operator hand-editing config.json — this
// Manager's own saveAtomic also triggers a write event, harmlessly
// re-applying the same config). Call Close to stop watching.
func (m *Manager) WatchForExternalEdits(onReload func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	m.mu.Lock()
	dir := filepath.Dir(m.path)
	m.watcher = w
	m.onReload = onReload
	m.mu.Unlock()

	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go m.watchLoop(w)
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reloadFromDisk()
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Manager) reloadFromDisk() {
	m.mu.RLock()
	path := m.path
	cb := m.onReload
	m.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	if cb != nil {
		cb(cfg)
	}
}

// Close stops the fsnotify watcher, if one was started.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	m.watcher = nil
	return err
}
