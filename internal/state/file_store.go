package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore persists snapshots as one JSON file with atomic replace.
// Params: destination path.
// Returns: durable store surviving process restarts.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed snapshot store.
// Params: snapshot file path; parent directories are created on save.
// Returns: initialized store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the last saved snapshot from disk.
// Params: none.
// Returns: snapshot, presence flag (false when no file exists), and read error.
func (s *FileStore) Load() (Snapshot, bool, error) {
	body, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read state file %q: %w", s.path, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode state file %q: %w", s.path, err)
	}
	return snapshot, true, nil
}

// Save writes one snapshot via temp file and rename.
// Params: snapshot to persist.
// Returns: marshal/write/rename error.
func (s *FileStore) Save(snapshot Snapshot) error {
	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file %q: %w", s.path, err)
	}
	return nil
}

// Close is a no-op for the file backend.
// Params: none.
// Returns: nil.
func (s *FileStore) Close() error {
	return nil
}
