package tunnel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Record is the persisted identity of the tunnel so a restarted host
// reuses it instead of creating a new one.
type Record struct {
	TunnelID  string    `json:"tunnelId"`
	ClusterID string    `json:"clusterId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists the tunnel record.
type Store interface {
	// Load returns nil when nothing usable is stored.
	Load() (*Record, error)
	Save(rec Record) error
	Clear() error
}

// FileStore keeps the record as JSON in a single file.
type FileStore struct {
	path string
}

// NewFileStore stores the record at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultRecordPath returns the record path inside configDir.
func DefaultRecordPath(configDir string) string {
	return filepath.Join(configDir, "tunnel.json")
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the record. A missing or corrupt file yields nil so the caller
// creates a fresh tunnel.
func (s *FileStore) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil // First run
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnel record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.TunnelID == "" {
		slog.Warn("Ignoring unreadable tunnel record", "path", s.path, "error", err)
		return nil, nil
	}
	return &rec, nil
}

// Save atomically writes the record, creating the directory if needed.
func (s *FileStore) Save(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tunnel record: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write tunnel record temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath) // Clean up on error
		return fmt.Errorf("failed to rename tunnel record: %w", err)
	}
	return nil
}

// Clear deletes the record. A missing file is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove tunnel record: %w", err)
	}
	return nil
}
