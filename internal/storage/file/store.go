// Package file keeps the cursor state in a single JSON document on local disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"feed_relay/internal/domain"
	"feed_relay/internal/storage"
)

// Store is a single-writer state store. Every commit replaces the document
// atomically: write a temp file, fsync it, rename it over the old one.
type Store struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		now:    time.Now,
		logger: logger.With("state", path),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted state, or an empty state when the file does not exist yet.
func (s *Store) Load(ctx context.Context) (*domain.CursorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*domain.CursorState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no state file, starting cold")
		return domain.EmptyCursorState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return storage.Decode(data, s.path)
}

// Commit merges c into the persisted state and returns the new state.
func (s *Store) Commit(ctx context.Context, c domain.Commit) (*domain.CursorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := s.load()
	if err != nil {
		return nil, err
	}

	next := current.Apply(c, s.now().UTC())

	data, err := storage.Encode(next)
	if err != nil {
		return nil, err
	}
	if err := WriteAtomic(s.path, data); err != nil {
		return nil, fmt.Errorf("write state: %w", err)
	}

	s.logger.Debug("state committed",
		"new_ids", len(c.IDs),
		"total_ids", len(next.PublishedIDs),
		"last_seen_id", next.LastSeenID,
	)

	return next, nil
}

// WriteAtomic replaces path with data so readers see either the old or the new content.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}

	// Persist the rename itself. Not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
