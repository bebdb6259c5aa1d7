package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/iotforge/transmission-service/internal/storage"
)

var errTransactionAlreadyFinished = errors.New("transaction has already been committed or rolled back")

// UnitOfWork runs a callback inside one atomic database transaction. Every
// dispatch uses it to commit the attempt logs and the device state update
// together; a write failure rolls back the row-index advance, which keeps
// at-least-once semantics.
//
// Multiple goroutines may call Do concurrently on the same instance; each
// call opens an independent transaction and no transactional state is held
// between calls.
type UnitOfWork interface {
	// Do executes fn inside a transaction: error means rollback, success
	// means commit, panic means rollback and re-panic.
	Do(ctx context.Context, fn func(ctx context.Context, db storage.DBTX) error) error
}

type unitOfWork struct {
	db      *sql.DB
	options *sql.TxOptions
}

// Option configures the unit of work.
type Option func(*unitOfWork)

// WithIsolationLevel sets the transaction isolation level.
func WithIsolationLevel(level sql.IsolationLevel) Option {
	return func(u *unitOfWork) {
		if u.options == nil {
			u.options = &sql.TxOptions{}
		}
		u.options.Isolation = level
	}
}

// New creates a unit of work bound to db. Panics on a nil db: that is a
// programming error in the caller.
func New(db *sql.DB, opts ...Option) UnitOfWork {
	if db == nil {
		panic("database connection cannot be nil")
	}

	u := &unitOfWork{db: db}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *unitOfWork) Do(ctx context.Context, fn func(ctx context.Context, db storage.DBTX) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before transaction start: %w", err)
	}

	tx, err := u.db.BeginTx(ctx, u.options)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var finished atomic.Bool

	defer func() {
		if p := recover(); p != nil {
			if !finished.Load() {
				if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
					panic(fmt.Sprintf("panic during transaction with rollback failure: panic=%v, rollback_error=%v", p, rbErr))
				}
			}
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		finished.Store(true)
		if rbErr := rollbackTx(tx); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err = ctx.Err(); err != nil {
		finished.Store(true)
		if rbErr := rollbackTx(tx); rbErr != nil {
			return fmt.Errorf("context cancelled during transaction: %w, rollback error: %v", err, rbErr)
		}
		return fmt.Errorf("context cancelled during transaction: %w", err)
	}

	finished.Store(true)
	if err = tx.Commit(); err != nil {
		// Most drivers roll back automatically on a failed commit; do not
		// attempt another rollback here, it would mask the real error.
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func rollbackTx(tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return errTransactionAlreadyFinished
		}
		return err
	}
	return nil
}
