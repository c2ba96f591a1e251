package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store owns the persisted configuration. Readers get copies; writers go
// through Update, which validates and saves before the new value becomes
// visible, so a rejected or failed write leaves the previous value in place.
type Store struct {
	path string

	writeMu sync.Mutex
	mu      sync.RWMutex
	cfg     *Config
}

// Open loads the config at path into a new store. A missing file yields the
// defaults; nothing is written until the first Update.
func Open(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// NewStore wraps an in-memory config. Used by callers that already loaded
// or built one, such as tests.
func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg.Clone()}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Config returns a copy of the current configuration.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Settings returns a copy of the live settings.
func (s *Store) Settings() Settings {
	return s.Config().Settings
}

// Update applies fn to a copy of the configuration, validates the result
// and writes it to disk atomically. The in-memory value is swapped only
// after the write succeeded.
func (s *Store) Update(fn func(*Config) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.Config()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.save(next); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()
	return nil
}

// Reload re-reads the file, for edits made outside the daemon. An invalid
// file is reported and the current value kept. A file that has gone away,
// for example mid-way through an editor's rename-and-replace save, also
// keeps the current value. It returns whether the configuration changed.
func (s *Store) Reload() (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := readFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if reflect.DeepEqual(s.cfg, next) {
		return false, nil
	}
	s.cfg = next
	return true, nil
}

func (s *Store) save(cfg *Config) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}
