/*

This file manages the persistent sweep counter. Sweeps are numbered in the database so the
numbering continues across restarts.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// PostgresSweepCounter is a SweepCounter stored in the single-row sweep_counter table.
type PostgresSweepCounter struct {
	db *sql.DB
}

// NewPostgresSweepCounter creates a sweep counter over db.
func NewPostgresSweepCounter(db *sql.DB) *PostgresSweepCounter {
	return &PostgresSweepCounter{db: db}
}

// Current retrieves the current sweep number from the database.
func (c *PostgresSweepCounter) Current(ctx context.Context) (int, error) {
	if c.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	var current int
	err := c.db.QueryRowContext(ctx, `SELECT current_sweep FROM sweep_counter WHERE id = 1;`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get current sweep number: %w", err)
	}
	return current, nil
}

// Next increments the sweep counter and returns the new value.
func (c *PostgresSweepCounter) Next(ctx context.Context) (int, error) {
	if c.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	updateQuery := `
		UPDATE sweep_counter
		SET current_sweep = current_sweep + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
		RETURNING current_sweep;`

	var next int
	if err := c.db.QueryRowContext(ctx, updateQuery).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to increment sweep number: %w", err)
	}

	log.Debug().Int("sweep", next).Msg("Incremented sweep counter")
	return next, nil
}
