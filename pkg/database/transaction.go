package database

import (
	"context"
	"database/sql"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey string

const (
	txKey       txContextKey = "database_tx"
	txStatusKey txContextKey = "database_tx_status"
)

type txStatus struct {
	done bool
}

// Tx is a context-aware wrapper around sqlx.Tx. Commit and Rollback are
// idempotent so a deferred Rollback after Commit is a no-op.
type Tx interface {
	Commit() error
	Rollback() error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	Rebind(query string) string
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type transaction struct {
	*sqlx.Tx
	status *txStatus
	logger ectologger.Logger
}

func (t *transaction) Commit() error {
	if t.status.done {
		return nil
	}
	t.status.done = true
	return t.Tx.Commit()
}

func (t *transaction) Rollback() error {
	if t.status.done {
		return nil
	}
	t.status.done = true
	return t.Tx.Rollback()
}

// GetTx returns the transaction already carried by ctx, or begins a new one
// and attaches it. Nested callers share the outermost transaction; only the
// caller that began it will commit or roll back.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(*transaction); ok && !existing.status.done {
		return ctx, &nestedTx{existing}, nil
	}

	sqlxTx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to begin transaction")
		return ctx, nil, err
	}

	tx := &transaction{
		Tx:     sqlxTx,
		status: &txStatus{},
		logger: logger,
	}

	ctx = context.WithValue(ctx, txKey, tx)
	ctx = context.WithValue(ctx, txStatusKey, tx.status)
	return ctx, tx, nil
}

// nestedTx defers commit and rollback to the outermost owner.
type nestedTx struct {
	*transaction
}

func (t *nestedTx) Commit() error   { return nil }
func (t *nestedTx) Rollback() error { return nil }

// Querier is satisfied by both DB and Tx. Repositories resolve it per call so
// statements join an in-flight transaction when one is on the context.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

// QuerierFromContext returns the context transaction if present, else db.
func QuerierFromContext(ctx context.Context, db DB) Querier {
	if tx, ok := ctx.Value(txKey).(*transaction); ok && !tx.status.done {
		return tx
	}
	return db
}
