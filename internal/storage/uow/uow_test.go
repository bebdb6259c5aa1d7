package uow

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotforge/transmission-service/internal/storage"
)

func TestDoCommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE devices").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u := New(db)
	err = u.Do(context.Background(), func(ctx context.Context, tx storage.DBTX) error {
		_, execErr := tx.ExecContext(ctx, "UPDATE devices SET status = $1", "idle")
		return execErr
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDoRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	u := New(db)
	err = u.Do(context.Background(), func(ctx context.Context, tx storage.DBTX) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDoRollsBackOnPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	u := New(db)
	assert.Panics(t, func() {
		_ = u.Do(context.Background(), func(ctx context.Context, tx storage.DBTX) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDoRejectsCancelledContext(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u := New(db)
	err = u.Do(ctx, func(ctx context.Context, tx storage.DBTX) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewPanicsOnNilDB(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}
