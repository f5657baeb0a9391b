package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// FileStore writes one JSON document per turn; the filename is the turn id.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create turn directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Name identifies the store.
func (s *FileStore) Name() string {
	return "file"
}

// Save writes the record atomically (temp file + rename). An existing file
// for the turn id is left untouched, which makes duplicate saves no-ops.
func (s *FileStore) Save(ctx context.Context, record *models.TurnRecord) error {
	if record == nil || record.TurnID == "" {
		return fmt.Errorf("record needs a turn id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(record.TurnID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode turn record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".turn-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Get loads a record by turn id.
func (s *FileStore) Get(ctx context.Context, turnID string) (*models.TurnRecord, error) {
	data, err := os.ReadFile(s.path(turnID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record models.TurnRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode turn record: %w", err)
	}
	return &record, nil
}

// Prune unlinks records older than the cutoff, by arrival time.
func (s *FileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		record, err := s.Get(ctx, entry.Name())
		if err != nil {
			continue
		}
		if record.ArrivedAt.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// path maps a turn id to its file: the filename is the turn id. Turn ids
// are uuids; anything path-hostile is stripped regardless.
func (s *FileStore) path(turnID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, turnID)
	return filepath.Join(s.dir, safe)
}
