package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/suite"

	"feed_relay/internal/domain"
)

type SQLiteStoreSuite struct {
	suite.Suite
	ctx   context.Context
	db    *sqlx.DB
	store *Store
}

func (s *SQLiteStoreSuite) SetupTest() {
	s.ctx = context.Background()

	db, err := Open(s.ctx, DriverSQLite, filepath.Join(s.T().TempDir(), "relay.db"))
	s.Require().NoError(err)
	s.db = db

	s.store = New(db)
	s.store.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
}

func (s *SQLiteStoreSuite) TearDownTest() {
	if s.db != nil {
		s.db.Close()
	}
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, new(SQLiteStoreSuite))
}

func (s *SQLiteStoreSuite) TestLoad_EmptyDatabaseIsColdStart() {
	state, err := s.store.Load(s.ctx)
	s.Require().NoError(err)
	s.True(state.IsColdStart())
	s.Empty(state.PublishedIDs)
}

func (s *SQLiteStoreSuite) TestCommit_RoundTrip() {
	at := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.store.Commit(s.ctx, domain.Commit{
		IDs:        []string{"a", "b"},
		LastSeenID: "b",
		LastSeenAt: at,
		Validator:  &domain.Validator{ETag: `"v1"`, LastModified: "Mon, 01 Apr 2024 12:00:00 GMT"},
	})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b"}, first.PublishedIDs)

	_, err = s.store.Commit(s.ctx, domain.Commit{IDs: []string{"b", "c"}})
	s.Require().NoError(err)

	loaded, err := New(s.db).Load(s.ctx)
	s.Require().NoError(err)
	s.False(loaded.IsColdStart())
	s.Equal([]string{"a", "b", "c"}, loaded.PublishedIDs)
	s.Equal("b", loaded.LastSeenID)
	s.True(at.Equal(loaded.LastSeenAt))
	s.Equal(`"v1"`, loaded.Validator.ETag)
	s.Equal("Mon, 01 Apr 2024 12:00:00 GMT", loaded.Validator.LastModified)
}

func (s *SQLiteStoreSuite) TestCommit_EmptyCommitMarksInitialized() {
	state, err := s.store.Commit(s.ctx, domain.Commit{})
	s.Require().NoError(err)
	s.False(state.IsColdStart())

	loaded, err := s.store.Load(s.ctx)
	s.Require().NoError(err)
	s.False(loaded.IsColdStart())
}

func (s *SQLiteStoreSuite) TestLoad_OrphanedIDsAreCorrupt() {
	_, err := s.db.ExecContext(s.ctx, "INSERT INTO relay_published (article_id, pos, committed_at_ms) VALUES ('x', 0, 1)")
	s.Require().NoError(err)

	state, err := s.store.Load(s.ctx)
	s.Nil(state)
	s.True(domain.IsStateCorrupt(err))
}

func (s *SQLiteStoreSuite) TestLoad_UncommittedCursorIsCorrupt() {
	_, err := s.db.ExecContext(s.ctx, "INSERT INTO relay_cursor (id, committed_at_ms) VALUES (1, 0)")
	s.Require().NoError(err)

	_, err = s.store.Load(s.ctx)
	s.True(domain.IsStateCorrupt(err))
}
