// Package store persists the rotation ledger as a single JSON document.
//
// Commits go to a temp file in the same directory, are fsynced, then renamed
// over the canonical path. A reader, or a process restarting mid-write, sees
// either the previous document or the new one, never a torn file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arnavshah/rota-api-go/pkg/ledger"
	"github.com/arnavshah/rota-api-go/pkg/models"
)

// ErrNotFound is returned by Load when no ledger has been committed yet
var ErrNotFound = errors.New("ledger not found")

// FileStore is the file-backed PersistenceStore
type FileStore struct {
	path string

	// beforeRename runs after the temp file is durable; tests use it to simulate a crash
	beforeRename func() error
}

// NewFileStore creates the parent directory if needed
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the canonical ledger location
func (s *FileStore) Path() string { return s.path }

// Load reads and migrates the committed ledger
func (s *FileStore) Load() (*models.RotationState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", s.path, err)
	}
	var state models.RotationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding ledger %s: %w", s.path, err)
	}
	return ledger.Migrate(&state), nil
}

// LoadOrInit returns the committed ledger, or a fresh lineage when none exists.
// A corrupt document is an error: it is never silently replaced.
func (s *FileStore) LoadOrInit() (*models.RotationState, bool, error) {
	state, err := s.Load()
	if errors.Is(err, ErrNotFound) {
		return ledger.NewState(""), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return state, false, nil
}

// Commit atomically replaces the canonical ledger with state
func (s *FileStore) Commit(ctx context.Context, state *models.RotationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("creating temp ledger file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp ledger file: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming ledger to %s: %w", s.path, err)
	}
	success = true

	// Persist the rename itself; not every platform can fsync a directory
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
