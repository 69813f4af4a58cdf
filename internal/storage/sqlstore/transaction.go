package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// serializationAttempts bounds reruns of a unit of work that lost a
// serialization conflict on Postgres.
const serializationAttempts = 3

type txKey struct{}

// TxManager runs units of work inside one transaction carried by the context.
type TxManager struct {
	db   *sqlx.DB
	opts sql.TxOptions
}

func NewTxManager(db *sqlx.DB) *TxManager {
	m := &TxManager{db: db}
	// sqlite only knows serializable transactions
	if db.DriverName() == DriverPostgres {
		m.opts.Isolation = sql.LevelSerializable
	}
	return m
}

// Run executes fn in a transaction. A call made while ctx already carries a
// transaction joins it. On Postgres, fn is rerun from scratch when the commit
// loses a serialization conflict.
func (m *TxManager) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	var err error
	for range serializationAttempts {
		err = m.runOnce(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (m *TxManager) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := m.db.BeginTxx(ctx, &m.opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Executor returns the transaction carried by ctx, or the plain handle.
func (m *TxManager) Executor(ctx context.Context) sqlx.ExtContext {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return m.db
}

func txFrom(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}
