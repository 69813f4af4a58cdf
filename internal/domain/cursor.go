package domain

import "time"

// Validator is the opaque conditional-fetch token returned by the feed.
type Validator struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func (v Validator) IsZero() bool {
	return v.ETag == "" && v.LastModified == ""
}

// CursorState is the durable record of what has already been processed.
// A zero CommittedAt means the state has never been persisted (cold start).
type CursorState struct {
	LastSeenID   string
	LastSeenAt   time.Time
	Validator    Validator
	PublishedIDs []string
	CommittedAt  time.Time

	index map[string]struct{}
}

// NewCursorState builds a state value and indexes its published ids.
// Duplicate ids are dropped, keeping the first occurrence.
func NewCursorState(lastSeenID string, lastSeenAt time.Time, v Validator, ids []string, committedAt time.Time) *CursorState {
	s := &CursorState{
		LastSeenID:  lastSeenID,
		LastSeenAt:  lastSeenAt,
		Validator:   v,
		CommittedAt: committedAt,
		index:       make(map[string]struct{}, len(ids)),
	}
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			continue
		}
		s.index[id] = struct{}{}
		s.PublishedIDs = append(s.PublishedIDs, id)
	}
	return s
}

// EmptyCursorState is the state of a relay that has never committed.
func EmptyCursorState() *CursorState {
	return NewCursorState("", time.Time{}, Validator{}, nil, time.Time{})
}

func (s *CursorState) IsColdStart() bool {
	return s.CommittedAt.IsZero()
}

func (s *CursorState) IsPublished(id string) bool {
	if s.index == nil {
		s.reindex()
	}
	_, ok := s.index[id]
	return ok
}

func (s *CursorState) reindex() {
	s.index = make(map[string]struct{}, len(s.PublishedIDs))
	for _, id := range s.PublishedIDs {
		s.index[id] = struct{}{}
	}
}

// Apply returns the state that results from c, leaving s untouched.
// Published ids are only ever appended.
func (s *CursorState) Apply(c Commit, at time.Time) *CursorState {
	ids := make([]string, 0, len(s.PublishedIDs)+len(c.IDs))
	ids = append(ids, s.PublishedIDs...)
	ids = append(ids, c.IDs...)

	lastSeenID, lastSeenAt := s.LastSeenID, s.LastSeenAt
	if c.LastSeenID != "" && !c.LastSeenAt.Before(lastSeenAt) {
		lastSeenID, lastSeenAt = c.LastSeenID, c.LastSeenAt
	}

	v := s.Validator
	if c.Validator != nil {
		v = *c.Validator
	}

	return NewCursorState(lastSeenID, lastSeenAt, v, ids, at)
}

// Commit describes the progress made by one cycle.
// A nil Validator keeps the stored one.
type Commit struct {
	IDs        []string
	Validator  *Validator
	LastSeenID string
	LastSeenAt time.Time
}

// Empty reports whether the commit carries no progress at all.
func (c Commit) Empty() bool {
	return len(c.IDs) == 0 && c.Validator == nil && c.LastSeenID == ""
}
