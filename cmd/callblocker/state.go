package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prismaqf/callblocker/internal/config"
)

const stateFileName = "daemon.json"

// ServerState is what a serving daemon publishes for `callblocker status`:
// where to reach it and which service run it opened.
type ServerState struct {
	APIAddr   string    `json:"api_addr"`
	PID       int       `json:"pid"`
	RunID     int64     `json:"run_id"`
	DBPath    string    `json:"db_path"`
	Timezone  string    `json:"timezone"` // zone of stored timestamps
	StartedAt time.Time `json:"started_at"`
}

func (s *ServerState) validate() error {
	switch {
	case s.APIAddr == "":
		return errors.New("missing api_addr")
	case s.RunID < 1:
		return fmt.Errorf("invalid run_id %d", s.RunID)
	}
	return nil
}

// ErrServerNotRunning means no daemon has published its state.
var ErrServerNotRunning = errors.New("server not running")

// FileStateStore keeps ServerState as JSON in the config directory.
type FileStateStore struct {
	path string
}

// NewFileStateStore returns the store at the platform config directory.
func NewFileStateStore() (*FileStateStore, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	return &FileStateStore{path: filepath.Join(dir, stateFileName)}, nil
}

// Read loads the published state. A missing file is ErrServerNotRunning.
func (s *FileStateStore) Read() (*ServerState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrServerNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var state ServerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupted state file %s: %w", s.path, err)
	}
	if err := state.validate(); err != nil {
		return nil, fmt.Errorf("corrupted state file %s: %w", s.path, err)
	}
	return &state, nil
}

// Write publishes state. Readers see either the old file or the new one.
func (s *FileStateStore) Write(state ServerState) error {
	if err := state.validate(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, stateFileName+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Delete withdraws the state. Deleting twice is fine.
func (s *FileStateStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
