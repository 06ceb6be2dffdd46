package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// OpenDB opens and pings a PostgreSQL connection pool for the given lib/pq connection string.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return db, nil
}

// CloseDB closes the database connection pool.
func CloseDB(db *sql.DB) {
	if db != nil {
		log.Info().Msg("Closing database connection...")
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// SchemaSQL is the DDL for every table used by the postgres backend. It is safe to run repeatedly.
const SchemaSQL = `
	CREATE TABLE IF NOT EXISTS positions (
		owner VARCHAR(128) NOT NULL,
		protocol VARCHAR(64) NOT NULL,
		token VARCHAR(64) NOT NULL,
		value_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		apy_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (owner, protocol, token)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions(owner);

	CREATE TABLE IF NOT EXISTS reallocation_thresholds (
		thresholds_id SERIAL PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		config_name VARCHAR(255) NOT NULL DEFAULT 'default',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		activated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		min_apy_improvement_pct DOUBLE PRECISION NOT NULL,
		min_holding_period_hours DOUBLE PRECISION NOT NULL,
		min_position_value_usd DOUBLE PRECISION NOT NULL,
		estimated_gas_cost_usd DOUBLE PRECISION NOT NULL CHECK (estimated_gas_cost_usd > 0),
		min_gain_to_cost_ratio DOUBLE PRECISION NOT NULL,
		CONSTRAINT uq_reallocation_thresholds_config_version UNIQUE (config_name, version)
	);
	CREATE INDEX IF NOT EXISTS idx_reallocation_thresholds_config_active ON reallocation_thresholds(config_name, is_active, activated_at DESC);

	CREATE TABLE IF NOT EXISTS evaluations (
		evaluation_id UUID PRIMARY KEY,
		owner VARCHAR(128) NOT NULL,
		protocol VARCHAR(64) NOT NULL,
		token VARCHAR(64) NOT NULL,
		target_protocol VARCHAR(64) NOT NULL DEFAULT '',
		target_apy_pct DOUBLE PRECISION NOT NULL,
		snapshot JSONB NOT NULL,
		thresholds JSONB NOT NULL,
		viable BOOLEAN NOT NULL,
		gate VARCHAR(32) NOT NULL,
		reason TEXT NOT NULL,
		apy_improvement_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		expected_annual_gain_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		gain_to_cost_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
		source VARCHAR(16) NOT NULL,
		evaluated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_evaluated_at ON evaluations(evaluated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_evaluations_owner ON evaluations(owner);

	-- Sweep counter table for persistent global sweep numbering
	CREATE TABLE IF NOT EXISTS sweep_counter (
		id INTEGER PRIMARY KEY DEFAULT 1,
		current_sweep INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT single_row_check CHECK (id = 1)
	);
	INSERT INTO sweep_counter (id, current_sweep)
	VALUES (1, 0)
	ON CONFLICT (id) DO NOTHING;
`

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := db.ExecContext(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// DropSchema removes every table created by EnsureSchema.
func DropSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	dropSQL := `
		DROP TABLE IF EXISTS evaluations CASCADE;
		DROP TABLE IF EXISTS reallocation_thresholds CASCADE;
		DROP TABLE IF EXISTS positions CASCADE;
		DROP TABLE IF EXISTS sweep_counter CASCADE;
	`
	if _, err := db.ExecContext(ctx, dropSQL); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	log.Warn().Msg("Dropped all sentinel tables")
	return nil
}

// PingDB tests if the database connection is healthy.
func PingDB(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
