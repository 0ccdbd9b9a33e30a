package store

import (
	"context"
	"database/sql"
	"fmt"
)

// querier is the subset of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type boundTx struct {
	owner *Store
	tx    *sql.Tx
}

// RunInTransaction runs fn inside a transaction bound to the context fn
// receives. Every Store method called with that context joins the
// transaction. A nested call on the same store reuses the outer
// transaction; only the outermost call commits.
//
// The transaction rolls back when fn returns an error or panics.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if b, ok := ctx.Value(txKey{}).(*boundTx); ok && b.owner == s {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(context.WithValue(ctx, txKey{}, &boundTx{owner: s, tx: tx})); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}

// InTransaction reports whether ctx carries a transaction of this store.
func (s *Store) InTransaction(ctx context.Context) bool {
	b, ok := ctx.Value(txKey{}).(*boundTx)
	return ok && b.owner == s
}

// conn returns the ambient transaction, or the pool outside one.
func (s *Store) conn(ctx context.Context) querier {
	if b, ok := ctx.Value(txKey{}).(*boundTx); ok && b.owner == s {
		return b.tx
	}
	return s.db
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.conn(ctx).ExecContext(ctx, s.rebind(query), args...)
	return res, classify(err)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, s.rebind(query), args...)
	return rows, classify(err)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn(ctx).QueryRowContext(ctx, s.rebind(query), args...)
}
