package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotforge/transmission-service/internal/dataset"
	"github.com/iotforge/transmission-service/internal/metadata"
)

func expectDataset(mock sqlmock.Sqlmock, id, filePath, status string) {
	mock.ExpectQuery(`SELECT .* FROM datasets WHERE id`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "file_path", "file_format", "row_count", "status", "is_deleted",
		}).AddRow(id, filePath, "csv", 2, status, false))
}

// Stored paths are relative to the configured base directory; the loader
// must hand them to the reader unresolved, or a relative base dir gets
// prepended twice and every load fails.
func TestDatasetLoaderResolvesStoredPathOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "telemetry.csv"),
		[]byte("v\n10\n20\n"), 0o644))
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	expectDataset(mock, "ds-1", "telemetry.csv", "ready")

	store := metadata.NewStore(nil)
	reader := dataset.NewReader("./data", "")
	loader := newDatasetLoader(store.Datasets, db, reader)

	rows, storedPath, hash, err := loader(context.Background(), "ds-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "10", rows[0]["v"])
	assert.Equal(t, "telemetry.csv", storedPath)
	assert.NotEmpty(t, hash)

	// The cache revalidates with the stored path and the same hash func.
	revalidated, err := reader.FileHash(storedPath)
	require.NoError(t, err)
	assert.Equal(t, hash, revalidated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetLoaderRejectsNotReady(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	expectDataset(mock, "ds-1", "telemetry.csv", "processing")

	store := metadata.NewStore(nil)
	loader := newDatasetLoader(store.Datasets, db, dataset.NewReader("./data", ""))

	_, _, _, err = loader(context.Background(), "ds-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}
