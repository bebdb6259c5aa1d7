package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/storage"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

var ErrDatasetNotFound = errors.New("dataset not found")

// DatasetRepository reads dataset rows and device-dataset links.
type DatasetRepository struct {
	metrics *telemetry.Metrics
}

// GetByID fetches one non-deleted dataset record.
func (r *DatasetRepository) GetByID(ctx context.Context, db storage.DBTX, id string) (*domain.Dataset, error) {
	defer observe(r.metrics, "datasets_get", time.Now())

	query := `SELECT id, file_path, file_format, row_count, status, is_deleted
		FROM datasets WHERE id = $1 AND is_deleted = false`

	var ds domain.Dataset
	err := db.QueryRowContext(ctx, query, id).Scan(
		&ds.ID, &ds.FilePath, &ds.FileFormat, &ds.RowCount, &ds.Status, &ds.IsDeleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dataset %s: %w", id, err)
	}
	return &ds, nil
}

// LinksForDevice returns the device's dataset links in stable order:
// linked_at ascending, dataset_id as tiebreaker.
func (r *DatasetRepository) LinksForDevice(ctx context.Context, db storage.DBTX, deviceID string) ([]domain.DatasetLink, error) {
	defer observe(r.metrics, "device_datasets_list", time.Now())

	query := `SELECT device_id, dataset_id, linked_at
		FROM device_datasets
		WHERE device_id = $1
		ORDER BY linked_at ASC, dataset_id ASC`

	rows, err := db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets for device %s: %w", deviceID, err)
	}
	defer rows.Close()

	var links []domain.DatasetLink
	for rows.Next() {
		var link domain.DatasetLink
		if err := rows.Scan(&link.DeviceID, &link.DatasetID, &link.LinkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device_datasets row: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}
