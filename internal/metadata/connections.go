package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/storage"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

var ErrConnectionNotFound = errors.New("connection not found")

// ConnectionRepository reads connection rows. The engine never writes them.
type ConnectionRepository struct {
	metrics *telemetry.Metrics
}

// GetByID fetches one non-deleted connection with its decoded config map.
func (r *ConnectionRepository) GetByID(ctx context.Context, db storage.DBTX, id string) (*domain.Connection, error) {
	defer observe(r.metrics, "connections_get", time.Now())

	query := `SELECT id, protocol, config, is_deleted FROM connections WHERE id = $1 AND is_deleted = false`

	var (
		conn      domain.Connection
		rawConfig []byte
	)
	err := db.QueryRowContext(ctx, query, id).Scan(&conn.ID, &conn.Protocol, &rawConfig, &conn.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch connection %s: %w", id, err)
	}

	conn.Config = map[string]any{}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &conn.Config); err != nil {
			return nil, fmt.Errorf("invalid config for connection %s: %w", id, err)
		}
	}
	return &conn, nil
}
