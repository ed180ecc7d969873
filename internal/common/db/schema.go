package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Migration is one ordered schema step
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations creates the arrival archive. Versions must be strictly increasing.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "create arrivals archive",
		SQL: `
			CREATE SCHEMA IF NOT EXISTS transitboard;
			CREATE TABLE IF NOT EXISTS transitboard.arrivals (
				arrival_id         BIGSERIAL PRIMARY KEY,
				source_name        TEXT NOT NULL,
				monitoring_ref     TEXT NOT NULL,
				line_ref           TEXT NOT NULL,
				direction_ref      TEXT NOT NULL,
				recorded_at        TIMESTAMPTZ,
				expected_arrival   TIMESTAMPTZ NOT NULL,
				response_timestamp TIMESTAMPTZ NOT NULL,
				is_live            BOOLEAN NOT NULL,
				fetched_at         TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
	},
	{
		Version:     2,
		Description: "index arrivals by fetch time",
		SQL:         `CREATE INDEX IF NOT EXISTS arrivals_fetched_at_idx ON transitboard.arrivals (fetched_at)`,
	},
}

type SchemaChecker struct {
	db *DB
}

func NewSchemaChecker(db *DB) *SchemaChecker {
	return &SchemaChecker{db: db}
}

// CurrentVersion returns the highest applied migration, 0 on a fresh database
func (sc *SchemaChecker) CurrentVersion(ctx context.Context) (int, error) {
	if _, err := sc.db.conn.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS transitboard;
		CREATE TABLE IF NOT EXISTS transitboard.schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return 0, fmt.Errorf("creating schema_versions: %w", err)
	}

	var version sql.NullInt64
	err := sc.db.conn.QueryRowContext(ctx, `SELECT MAX(version) FROM transitboard.schema_versions`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !version.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying schema version: %w", err)
	}
	return int(version.Int64), nil
}

// Migrate applies every migration newer than the current version, each in
// its own transaction.
func (sc *SchemaChecker) Migrate(ctx context.Context) error {
	current, err := sc.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	pending := PendingMigrations(Migrations, current)
	if len(pending) == 0 {
		sc.db.logger.Debug("Database schema is up to date", "version", current)
		return nil
	}

	for _, m := range pending {
		if err := sc.apply(ctx, m); err != nil {
			return err
		}
		sc.db.logger.Info("Applied schema migration",
			"version", m.Version,
			"description", m.Description)
	}
	return nil
}

func (sc *SchemaChecker) apply(ctx context.Context, m Migration) error {
	tx, err := sc.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("applying migration %d: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitboard.schema_versions (version, description) VALUES ($1, $2)`,
		m.Version, m.Description); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", m.Version, err)
	}
	return nil
}

// PendingMigrations returns the migrations above current in order
func PendingMigrations(all []Migration, current int) []Migration {
	var pending []Migration
	for _, m := range all {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	return pending
}
