// Package sqlstore keeps the cursor state in Postgres or SQLite.
//
// Tables:
//   - relay_cursor     singleton row (id = 1): high-water mark, validator, commit time
//   - relay_published  one row per committed article id, ordered by pos
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"feed_relay/internal/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	cursorRowID = 1
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS relay_cursor (
		id              INTEGER PRIMARY KEY,
		last_seen_id    TEXT    NOT NULL DEFAULT '',
		last_seen_at_ms BIGINT  NOT NULL DEFAULT 0,
		etag            TEXT    NOT NULL DEFAULT '',
		last_modified   TEXT    NOT NULL DEFAULT '',
		committed_at_ms BIGINT  NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_published (
		article_id      TEXT    PRIMARY KEY,
		pos             BIGINT  NOT NULL,
		committed_at_ms BIGINT  NOT NULL
	)`,
}

type cursorRow struct {
	LastSeenID    string `db:"last_seen_id"`
	LastSeenAtMs  int64  `db:"last_seen_at_ms"`
	ETag          string `db:"etag"`
	LastModified  string `db:"last_modified"`
	CommittedAtMs int64  `db:"committed_at_ms"`
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One connection keeps sqlite writers from tripping over SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

type Store struct {
	db       *sqlx.DB
	tx       *TxManager
	builder  sq.StatementBuilderType
	location string
	now      func() time.Time
}

func New(db *sqlx.DB) *Store {
	format := sq.PlaceholderFormat(sq.Question)
	if db.DriverName() == DriverPostgres {
		format = sq.Dollar
	}
	return &Store{
		db:       db,
		tx:       NewTxManager(db),
		builder:  sq.StatementBuilder.PlaceholderFormat(format),
		location: db.DriverName() + ":relay_cursor",
		now:      time.Now,
	}
}

func (s *Store) Load(ctx context.Context) (*domain.CursorState, error) {
	var state *domain.CursorState
	err := s.tx.Run(ctx, func(txCtx context.Context) error {
		var err error
		state, err = s.load(txCtx)
		return err
	})
	return state, err
}

func (s *Store) Commit(ctx context.Context, c domain.Commit) (*domain.CursorState, error) {
	var next *domain.CursorState
	err := s.tx.Run(ctx, func(txCtx context.Context) error {
		current, err := s.load(txCtx)
		if err != nil {
			return err
		}

		next = current.Apply(c, s.now().UTC())

		if err := s.insertIDs(txCtx, next.PublishedIDs[len(current.PublishedIDs):], len(current.PublishedIDs), next.CommittedAt); err != nil {
			return fmt.Errorf("insert published ids: %w", err)
		}
		if err := s.upsertCursor(txCtx, next); err != nil {
			return fmt.Errorf("upsert cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) load(ctx context.Context) (*domain.CursorState, error) {
	exec := s.tx.Executor(ctx)

	query, args, err := s.builder.
		Select("last_seen_id", "last_seen_at_ms", "etag", "last_modified", "committed_at_ms").
		From("relay_cursor").
		Where(sq.Eq{"id": cursorRowID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row cursorRow
	err = sqlx.GetContext(ctx, exec, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		n, err := s.countPublished(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, &domain.StateCorruptError{
				Location: s.location,
				Err:      fmt.Errorf("%d published ids without a cursor row", n),
			}
		}
		return domain.EmptyCursorState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("select cursor: %w", err)
	}
	if row.CommittedAtMs <= 0 {
		return nil, &domain.StateCorruptError{Location: s.location, Err: errors.New("cursor row was never committed")}
	}

	query, args, err = s.builder.
		Select("article_id").
		From("relay_published").
		OrderBy("pos", "article_id").
		ToSql()
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := sqlx.SelectContext(ctx, exec, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("select published ids: %w", err)
	}

	var lastSeenAt time.Time
	if row.LastSeenAtMs > 0 {
		lastSeenAt = time.UnixMilli(row.LastSeenAtMs).UTC()
	}

	return domain.NewCursorState(
		row.LastSeenID,
		lastSeenAt,
		domain.Validator{ETag: row.ETag, LastModified: row.LastModified},
		ids,
		time.UnixMilli(row.CommittedAtMs).UTC(),
	), nil
}

func (s *Store) countPublished(ctx context.Context) (int64, error) {
	query, args, err := s.builder.Select("COUNT(*)").From("relay_published").ToSql()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := sqlx.GetContext(ctx, s.tx.Executor(ctx), &n, query, args...); err != nil {
		return 0, fmt.Errorf("count published ids: %w", err)
	}
	return n, nil
}

func (s *Store) insertIDs(ctx context.Context, ids []string, offset int, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	insert := s.builder.
		Insert("relay_published").
		Columns("article_id", "pos", "committed_at_ms")
	for i, id := range ids {
		insert = insert.Values(id, offset+i, at.UnixMilli())
	}

	query, args, err := insert.Suffix("ON CONFLICT (article_id) DO NOTHING").ToSql()
	if err != nil {
		return err
	}

	_, err = s.tx.Executor(ctx).ExecContext(ctx, query, args...)
	return err
}

func (s *Store) upsertCursor(ctx context.Context, state *domain.CursorState) error {
	var lastSeenAtMs int64
	if !state.LastSeenAt.IsZero() {
		lastSeenAtMs = state.LastSeenAt.UnixMilli()
	}

	query, args, err := s.builder.
		Insert("relay_cursor").
		Columns("id", "last_seen_id", "last_seen_at_ms", "etag", "last_modified", "committed_at_ms").
		Values(cursorRowID, state.LastSeenID, lastSeenAtMs, state.Validator.ETag, state.Validator.LastModified, state.CommittedAt.UnixMilli()).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			last_seen_id = EXCLUDED.last_seen_id,
			last_seen_at_ms = EXCLUDED.last_seen_at_ms,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified,
			committed_at_ms = EXCLUDED.committed_at_ms`).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.tx.Executor(ctx).ExecContext(ctx, query, args...)
	return err
}
