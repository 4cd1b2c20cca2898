package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DBTxKey is the context key under which an active transaction is stored.
const DBTxKey contextKey = "db_tx"

// TxFromContext retrieves the active transaction from context, or nil when
// the context carries no transaction.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant-scoped connection stored in ctx
// and returns a derived context carrying the transaction under DBTxKey.
// Repositories that resolve their queryable via TxFromContext then execute
// inside the transaction, so a caller can make a multi-repo operation atomic:
//
//	txCtx, tx, err := db.WithTx(ctx)
//	...
//	tx.Commit(ctx) // or tx.Rollback(ctx)
//
// The transaction runs on the connection whose search_path was set by
// TenantMiddleware, so tenant isolation carries into the transaction. When
// ctx already carries a transaction, a nested transaction (savepoint) is
// begun on it instead.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	if outer := TxFromContext(ctx); outer != nil {
		inner, err := outer.Begin(ctx)
		if err != nil {
			return ctx, nil, fmt.Errorf("begin nested transaction: %w", err)
		}
		return context.WithValue(ctx, DBTxKey, inner), inner, nil
	}

	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// RunInTx wraps fn in a transaction begun via WithTx. The transaction is
// committed when fn returns nil and rolled back otherwise.
func RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := WithTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
