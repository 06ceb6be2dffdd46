package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sentinel-pma/sentinel/internal/types"
)

// ThresholdStore persists versioned reallocation threshold sets in the reallocation_thresholds table.
// At most one version per config name is active.
type ThresholdStore struct {
	db *sql.DB
}

// NewThresholdStore creates a threshold store over db.
func NewThresholdStore(db *sql.DB) *ThresholdStore {
	return &ThresholdStore{db: db}
}

// SaveThresholds saves a new version of a threshold set. When makeActive is set the previously
// active version of configName is deactivated in the same transaction.
func (s *ThresholdStore) SaveThresholds(ctx context.Context, set types.ThresholdSet, configName string, version int, makeActive bool) (id int64, err error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}
	if err := set.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback()
		}
	}()

	if makeActive {
		_, err = tx.ExecContext(ctx,
			`UPDATE reallocation_thresholds SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`,
			configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active thresholds for %s: %w", configName, err)
		}
	}

	stmt := `
		INSERT INTO reallocation_thresholds (
			version, config_name, is_active, activated_at, created_at,
			min_apy_improvement_pct, min_holding_period_hours, min_position_value_usd,
			estimated_gas_cost_usd, min_gain_to_cost_ratio
		) VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8, $9)
		RETURNING thresholds_id;`

	err = tx.QueryRowContext(ctx, stmt,
		version, configName, makeActive, time.Now().UTC(),
		set.MinAPYImprovementPct, set.MinHoldingPeriodHours, set.MinPositionValueUSD,
		set.EstimatedGasCostUSD, set.MinGainToCostRatio,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reallocation thresholds: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("thresholds_id", id).
		Bool("active", makeActive).
		Msg("Saved reallocation thresholds")
	return id, nil
}

// LoadActiveThresholds loads the currently active threshold set of configName, or ErrNotFound.
func (s *ThresholdStore) LoadActiveThresholds(ctx context.Context, configName string) (*types.ThresholdSet, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT min_apy_improvement_pct, min_holding_period_hours, min_position_value_usd,
			estimated_gas_cost_usd, min_gain_to_cost_ratio
		FROM reallocation_thresholds
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC
		LIMIT 1;`

	set := &types.ThresholdSet{}
	err := s.db.QueryRowContext(ctx, query, configName).Scan(
		&set.MinAPYImprovementPct, &set.MinHoldingPeriodHours, &set.MinPositionValueUSD,
		&set.EstimatedGasCostUSD, &set.MinGainToCostRatio,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active reallocation thresholds for config '%s': %w", configName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan active thresholds for config '%s': %w", configName, err)
	}
	log.Info().Str("config", configName).Msg("Loaded active reallocation thresholds")
	return set, nil
}

// LatestThresholdsVersion returns the highest saved version of configName, or 0 when none exists.
func (s *ThresholdStore) LatestThresholdsVersion(ctx context.Context, configName string) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM reallocation_thresholds WHERE config_name = $1;`,
		configName).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest thresholds version: %w", err)
	}
	return version, nil
}

// LoadOrInitThresholds returns the active thresholds of configName. When none exist, fallback is
// saved as version 1, activated, and returned.
func (s *ThresholdStore) LoadOrInitThresholds(ctx context.Context, configName string, fallback types.ThresholdSet) (types.ThresholdSet, error) {
	set, err := s.LoadActiveThresholds(ctx, configName)
	if err == nil {
		return *set, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return types.ThresholdSet{}, err
	}

	log.Warn().Str("config", configName).Msg("No active thresholds found, saving defaults")
	version, err := s.LatestThresholdsVersion(ctx, configName)
	if err != nil {
		return types.ThresholdSet{}, err
	}
	if _, err := s.SaveThresholds(ctx, fallback, configName, version+1, true); err != nil {
		return types.ThresholdSet{}, err
	}
	return fallback, nil
}
