// Package mirror copies the cursor state to an object store so a fresh
// deployment can resume from it instead of starting cold.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"feed_relay/internal/domain"
	"feed_relay/internal/storage"
)

var ErrNotFound = errors.New("snapshot not found")

type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Location(key string) string
}

type Backend interface {
	Load(ctx context.Context) (*domain.CursorState, error)
	Commit(ctx context.Context, c domain.Commit) (*domain.CursorState, error)
}

type Store struct {
	local  Backend
	remote ObjectStore
	key    string
	logger *slog.Logger
}

func New(local Backend, remote ObjectStore, key string, logger *slog.Logger) *Store {
	return &Store{
		local:  local,
		remote: remote,
		key:    key,
		logger: logger.With("mirror", remote.Location(key)),
	}
}

// Load returns the local state. A local cold start is seeded from the remote
// snapshot when one exists, through the local Commit.
func (s *Store) Load(ctx context.Context) (*domain.CursorState, error) {
	state, err := s.local.Load(ctx)
	if err != nil || !state.IsColdStart() {
		return state, err
	}

	data, err := s.remote.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pull snapshot: %w", err)
	}

	remote, err := storage.Decode(data, s.remote.Location(s.key))
	if err != nil {
		return nil, err
	}

	validator := remote.Validator
	seeded, err := s.local.Commit(ctx, domain.Commit{
		IDs:        remote.PublishedIDs,
		Validator:  &validator,
		LastSeenID: remote.LastSeenID,
		LastSeenAt: remote.LastSeenAt,
	})
	if err != nil {
		return nil, fmt.Errorf("seed local state: %w", err)
	}

	s.logger.Info("local state seeded from snapshot",
		"ids", len(seeded.PublishedIDs),
		"last_seen_id", seeded.LastSeenID,
	)
	return seeded, nil
}

// Commit persists locally first; the snapshot push is best effort.
func (s *Store) Commit(ctx context.Context, c domain.Commit) (*domain.CursorState, error) {
	state, err := s.local.Commit(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := s.Push(ctx, state); err != nil {
		s.logger.Warn("snapshot push failed", "error", err)
	}
	return state, nil
}

func (s *Store) Push(ctx context.Context, state *domain.CursorState) error {
	data, err := storage.Encode(state)
	if err != nil {
		return err
	}
	return s.remote.Put(ctx, s.key, data)
}
