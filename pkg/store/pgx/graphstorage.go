// Package pgx implements store.GraphStorage on PostgreSQL with pgvector.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/fuse/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// batchSize bounds the rows sent in one bulk statement.
const batchSize = 500

// pgForeignKeyViolation is the SQLSTATE of a foreign key violation.
const pgForeignKeyViolation = "23503"

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements the GraphStorage interface using PostgreSQL with
// pgvector for vector similarity search. Merges run in one transaction and
// lock the touched rows in id order, so concurrent merges into the same
// scope serialize without deadlocking.
type GraphDBStorage struct {
	conn pgxIConn

	indexLock sync.RWMutex
	indexes   map[store.IndexTarget]store.IndexOptions
}

var _ store.GraphStorage = (*GraphDBStorage)(nil)

// NewGraphDBStorageWithConnection creates a GraphDBStorage on an existing
// connection or pool. The pool must have the pgvector types registered.
func NewGraphDBStorageWithConnection(conn pgxIConn) *GraphDBStorage {
	return &GraphDBStorage{
		conn:    conn,
		indexes: make(map[store.IndexTarget]store.IndexOptions),
	}
}

func (s *GraphDBStorage) withTx(ctx context.Context, fn func(tx pgxv5.Tx) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// integrityError maps a foreign key violation to ErrGraphIntegrityViolation.
func integrityError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", store.ErrGraphIntegrityViolation, pgErr.Message)
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgxv5.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}
