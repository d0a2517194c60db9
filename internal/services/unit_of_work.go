package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// UnitOfWork runs a function inside one READ COMMITTED database transaction.
type UnitOfWork struct {
	db             *sql.DB
	acquireTimeout time.Duration
	lockTimeout    time.Duration
	logger         *zap.Logger
}

// NewUnitOfWork bounds connection acquisition by acquireTimeout. A positive
// lockTimeout is applied to every row lock taken inside the transaction.
func NewUnitOfWork(db *sql.DB, acquireTimeout, lockTimeout time.Duration, logger *zap.Logger) *UnitOfWork {
	return &UnitOfWork{
		db:             db,
		acquireTimeout: acquireTimeout,
		lockTimeout:    lockTimeout,
		logger:         logger,
	}
}

// Do commits when fn returns nil and rolls back otherwise. Once a connection
// is held the transaction runs detached from ctx cancellation, so it always
// ends in an explicit commit or rollback; fn receives that detached context.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	acquireCtx := ctx
	if u.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, u.acquireTimeout)
		defer cancel()
	}

	conn, err := u.db.Conn(acquireCtx)
	if err != nil {
		return classifyDBError(fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	txCtx := context.WithoutCancel(ctx)
	tx, err := conn.BeginTx(txCtx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyDBError(fmt.Errorf("begin transaction: %w", err))
	}
	// Runs before conn.Close, including when fn panics.
	defer u.rollback(tx)

	if u.lockTimeout > 0 {
		if _, err := tx.ExecContext(txCtx, fmt.Sprintf("SET LOCAL lock_timeout = %d", u.lockTimeout.Milliseconds())); err != nil {
			return classifyDBError(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(txCtx, tx); err != nil {
		return classifyDBError(err)
	}

	if err := tx.Commit(); err != nil {
		return classifyDBError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (u *UnitOfWork) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.logger.Warn("rollback failed", zap.Error(err))
	}
}
