package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/igorsilveira/switchboard/pkg/telemetry"
)

// FileStore keeps each record in <dir>/<key>.json. Writes go to a temp file
// that is renamed into place, so readers never see a partial document.
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: creating %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger.With("component", "storage")}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

func (s *FileStore) Save(_ context.Context, key string, data any) (err error) {
	defer func() { telemetry.ObserveStorage("save", err) }()

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encoding %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, sanitizeKey(key)+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: writing %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: syncing %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: closing %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("storage: replacing %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, key string, out any) bool {
	s.mu.Lock()
	b, err := os.ReadFile(s.path(key))
	s.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		zero(out)
		return false
	}
	if err != nil {
		telemetry.ObserveStorage("load", err)
		s.logger.Warn("reading record", slog.String("key", key), slog.String("error", err.Error()))
		zero(out)
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		telemetry.ObserveStorage("load", err)
		s.logger.Warn("corrupt record", slog.String("key", key), slog.String("error", err.Error()))
		zero(out)
		return false
	}
	telemetry.ObserveStorage("load", nil)
	return true
}

func (s *FileStore) Delete(_ context.Context, key string) (err error) {
	defer func() { telemetry.ObserveStorage("delete", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: deleting %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
