package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/storage"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

// LogRepository appends transmission log records. The engine never reads,
// retries or deduplicates them.
type LogRepository struct {
	metrics *telemetry.Metrics
}

// InsertBatch writes the attempt records of one dispatch. It is meant to
// run inside the dispatch transaction together with the device update.
func (r *LogRepository) InsertBatch(ctx context.Context, db storage.DBTX, records []domain.TransmissionLog) error {
	if len(records) == 0 {
		return nil
	}
	defer observe(r.metrics, "transmission_logs_insert", time.Now())

	query := `INSERT INTO transmission_logs
		(id, timestamp, project_id, device_id, connection_id, message_type, direction,
		 payload_size, message_content, protocol, topic, status, latency_ms, retry_count,
		 is_simulated, metadata)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15, $16)`

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		metadataJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode log metadata: %w", err)
		}

		var content any
		if rec.MessageContent != nil {
			content = rec.MessageContent
		}

		_, err = stmt.ExecContext(ctx,
			rec.ID,
			rec.Timestamp,
			rec.ProjectID,
			rec.DeviceID,
			rec.ConnectionID,
			rec.MessageType,
			string(rec.Direction),
			rec.PayloadSize,
			content,
			string(rec.Protocol),
			rec.Topic,
			string(rec.Status),
			rec.LatencyMS,
			rec.RetryCount,
			rec.IsSimulated,
			metadataJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transmission log: %w", err)
		}
	}
	return nil
}
