// Package storage holds the on-disk representation of the cursor state shared
// by the file backend and the snapshot mirror.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feed_relay/internal/domain"
)

const snapshotVersion = 1

type snapshot struct {
	Version      int              `json:"version"`
	LastSeenID   string           `json:"last_seen_id,omitempty"`
	LastSeenAt   *time.Time       `json:"last_seen_at,omitempty"`
	Validator    domain.Validator `json:"validator"`
	PublishedIDs []string         `json:"published_ids"`
	CommittedAt  time.Time        `json:"committed_at"`
}

// Encode renders state as indented JSON so operators can read it.
func Encode(state *domain.CursorState) ([]byte, error) {
	snap := snapshot{
		Version:      snapshotVersion,
		LastSeenID:   state.LastSeenID,
		Validator:    state.Validator,
		PublishedIDs: state.PublishedIDs,
		CommittedAt:  state.CommittedAt.UTC(),
	}
	if snap.PublishedIDs == nil {
		snap.PublishedIDs = []string{}
	}
	if !state.LastSeenAt.IsZero() {
		t := state.LastSeenAt.UTC()
		snap.LastSeenAt = &t
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a snapshot. Anything that does not look like a snapshot
// written by Encode is reported as *domain.StateCorruptError.
func Decode(data []byte, location string) (*domain.CursorState, error) {
	corrupt := func(err error) error {
		return &domain.StateCorruptError{Location: location, Err: err}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, corrupt(errors.New("empty document"))
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, corrupt(err)
	}
	if snap.Version != snapshotVersion {
		return nil, corrupt(fmt.Errorf("unsupported version %d", snap.Version))
	}
	if snap.CommittedAt.IsZero() {
		return nil, corrupt(errors.New("missing committed_at"))
	}
	if snap.PublishedIDs == nil {
		return nil, corrupt(errors.New("missing published_ids"))
	}
	for i, id := range snap.PublishedIDs {
		if id == "" {
			return nil, corrupt(fmt.Errorf("empty id at published_ids[%d]", i))
		}
	}

	var lastSeenAt time.Time
	if snap.LastSeenAt != nil {
		lastSeenAt = *snap.LastSeenAt
	}

	return domain.NewCursorState(snap.LastSeenID, lastSeenAt, snap.Validator, snap.PublishedIDs, snap.CommittedAt), nil
}
