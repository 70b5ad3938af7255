package config

import "sync"

// ConfigManager provides thread-safe access to a live Config, with the
// ability to reload from disk without restarting the daemon.
type ConfigManager interface {
	Get() *Config
	Set(cfg *Config)
	Reload(path string) error
}

var _ ConfigManager = (*RWMutexManager)(nil)

// RWMutexManager is a ConfigManager backed by a sync.RWMutex. Get and Set
// always clone the Config so a caller can't mutate the shared copy out
// from under concurrent readers.
type RWMutexManager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager returns an RWMutexManager seeded with cfg.
func NewManager(cfg *Config) *RWMutexManager {
	clone := *cfg
	clone.Quality.NoTODOExtensions = append([]string(nil), cfg.Quality.NoTODOExtensions...)
	return &RWMutexManager{cfg: &clone}
}

// LoadManager loads a Config from path and wraps it in an RWMutexManager.
func LoadManager(path string) (*RWMutexManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

// Get returns a clone of the current Config.
func (m *RWMutexManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := *m.cfg
	clone.Quality.NoTODOExtensions = append([]string(nil), m.cfg.Quality.NoTODOExtensions...)
	return &clone
}

// Set replaces the current Config with a clone of cfg.
func (m *RWMutexManager) Set(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *cfg
	clone.Quality.NoTODOExtensions = append([]string(nil), cfg.Quality.NoTODOExtensions...)
	m.cfg = &clone
}

// Reload re-reads and validates the Config at path, swapping it in only if
// it parses and validates cleanly. A bad edit on disk never takes down a
// running daemon.
func (m *RWMutexManager) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	m.Set(cfg)
	return nil
}
