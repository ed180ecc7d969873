package archive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/transitboard-data/internal/common/db"
)

// PostgresWriter bulk-loads batches into transitboard.arrivals with COPY
type PostgresWriter struct {
	db *db.DB
}

func NewPostgresWriter(database *db.DB) *PostgresWriter {
	return &PostgresWriter{db: database}
}

func (w *PostgresWriter) WriteBatch(ctx context.Context, batch Batch) error {
	tx, err := w.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("transitboard", "arrivals",
		"source_name", "monitoring_ref", "line_ref", "direction_ref",
		"recorded_at", "expected_arrival", "response_timestamp", "is_live", "fetched_at"))
	if err != nil {
		return fmt.Errorf("preparing arrivals copy: %w", err)
	}
	defer stmt.Close()

	for _, rec := range batch.Records {
		// scheduled vehicles carry an epoch sample time; store it as NULL
		var recordedAt sql.NullTime
		if rec.Live {
			recordedAt = sql.NullTime{Time: rec.RecordedAt, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			batch.Source, rec.Reference, rec.Line, rec.Direction,
			recordedAt, rec.ExpectedArrival, rec.ResponseTimestamp, rec.Live, batch.FetchedAt); err != nil {
			return fmt.Errorf("copying arrival %s/%s: %w", rec.Reference, rec.Line, err)
		}
	}

	// flush the COPY buffer
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flushing arrivals copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing arrivals: %w", err)
	}
	return nil
}
