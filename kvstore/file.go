package kvstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// FileStore implements QueueStore on the local file system: one directory per
// table, one file per key. Keys are hex-encoded in file names so arbitrary
// key strings stay file-system safe.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, log: log}, nil
}

// Set writes value under key in the named table.
func (s *FileStore) Set(ctx context.Context, table, key, value string) error {
	tableDir := filepath.Join(s.baseDir, table)
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if err := os.WriteFile(s.keyPath(table, key), []byte(value), 0o644); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored value", slog.String("table", table), slog.String("key", key))
	return nil
}

// Get reads the value under key; interfaces.ErrKeyNotFound if absent.
func (s *FileStore) Get(ctx context.Context, table, key string) (string, error) {
	data, err := os.ReadFile(s.keyPath(table, key))
	if os.IsNotExist(err) {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return string(data), nil
}

// Remove deletes key from the table. Absent keys are not an error.
func (s *FileStore) Remove(ctx context.Context, table, key string) error {
	err := os.Remove(s.keyPath(table, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Lookup lists all keys in the named table.
func (s *FileStore) Lookup(ctx context.Context, table string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, table))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		decoded, err := hex.DecodeString(entry.Name())
		if err != nil {
			s.log.Warn("Skipping non-key file in table directory",
				slog.String("table", table), slog.String("file", entry.Name()))
			continue
		}
		keys = append(keys, string(decoded))
	}
	return keys, nil
}

// Available checks the base directory still exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	return err == nil
}

// Name returns an identifier for logging.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

func (s *FileStore) keyPath(table, key string) string {
	return filepath.Join(s.baseDir, table, hex.EncodeToString([]byte(key)))
}
