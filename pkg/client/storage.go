package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Storage mirrors the outbox so pending items survive a reload. A crash
// between mutation and persistence can still lose at most the latest change.
type Storage interface {
	Load() ([]OutboxItem, error)
	Save(items []OutboxItem) error
}

// MemoryStorage keeps the mirror in process. Useful for tests and throwaway
// sessions.
type MemoryStorage struct {
	mu    sync.Mutex
	items []OutboxItem
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load() ([]OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboxItem(nil), m.items...), nil
}

func (m *MemoryStorage) Save(items []OutboxItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]OutboxItem(nil), items...)
	return nil
}

// FileStorage mirrors the outbox to a JSON file, written via a temp file and
// rename so a crash never leaves a truncated mirror.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (f *FileStorage) Load() ([]OutboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var items []OutboxItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse outbox file: %w", err)
	}
	return items, nil
}

func (f *FileStorage) Save(items []OutboxItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create outbox directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write outbox file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace outbox file: %w", err)
	}
	return nil
}
