package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/transitboard-data/internal/common/db"
	"github.com/transitboard-data/internal/common/logger"
)

// CleanupResult represents the result of one retention pass
type CleanupResult struct {
	Cutoff         time.Time     `json:"cutoff"`
	RecordsDeleted int64         `json:"records_deleted"`
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
}

// Maintenance handles archive retention against Postgres
type Maintenance struct {
	db     *db.DB
	logger logger.Logger
}

// New creates a new Maintenance instance
func New(database *db.DB, logger logger.Logger) *Maintenance {
	return &Maintenance{
		db:     database,
		logger: logger,
	}
}

// PurgeArchive deletes archived arrivals fetched before cutoff
func (m *Maintenance) PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error) {
	m.logger.Info("Purging archived arrivals", "cutoff", cutoff)

	result, err := m.db.DB().ExecContext(ctx,
		`DELETE FROM transitboard.arrivals WHERE fetched_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting archived arrivals: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows, nil
}

// Vacuum runs VACUUM ANALYZE on the archive table (must be called outside a transaction)
func (m *Maintenance) Vacuum(ctx context.Context) error {
	if _, err := m.db.DB().ExecContext(ctx, `VACUUM ANALYZE transitboard.arrivals`); err != nil {
		return fmt.Errorf("vacuuming arrivals: %w", err)
	}
	m.logger.Debug("VACUUM ANALYZE completed", "table", "transitboard.arrivals")
	return nil
}
