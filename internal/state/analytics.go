package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sentinel-pma/sentinel/internal/types"
)

// Recent retrieves the newest evaluation records.
func (l *PostgresEvaluationLog) Recent(ctx context.Context, limit int) ([]types.EvaluationRecord, error) {
	if l.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	limit = clampLimit(limit)

	query := `
		SELECT
			evaluation_id, owner, protocol, token,
			target_protocol, target_apy_pct, snapshot, thresholds,
			viable, gate, reason,
			apy_improvement_pct, expected_annual_gain_usd, gain_to_cost_ratio,
			source, evaluated_at
		FROM evaluations
		ORDER BY evaluated_at DESC
		LIMIT $1`

	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent evaluations: %w", err)
	}
	defer rows.Close()

	records := make([]types.EvaluationRecord, 0, limit)
	for rows.Next() {
		var r types.EvaluationRecord
		var gate string
		var snapshotJSON, thresholdsJSON []byte

		err := rows.Scan(
			&r.EvaluationID, &r.Key.Owner, &r.Key.Protocol, &r.Key.Token,
			&r.TargetProtocol, &r.TargetAPYPct, &snapshotJSON, &thresholdsJSON,
			&r.Verdict.Viable, &gate, &r.Verdict.Reason,
			&r.Verdict.APYImprovementPct, &r.Verdict.ExpectedAnnualGainUSD, &r.Verdict.GainToCostRatio,
			&r.Source, &r.EvaluatedAt,
		)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan evaluation row")
			continue // Skip this row and continue with others
		}
		r.Verdict.Gate = types.Gate(gate)
		r.EvaluatedAt = r.EvaluatedAt.UTC()

		if err := json.Unmarshal(snapshotJSON, &r.Snapshot); err != nil {
			log.Error().Err(err).Str("evaluation_id", r.EvaluationID).Msg("Failed to unmarshal evaluation snapshot")
			continue
		}
		if err := json.Unmarshal(thresholdsJSON, &r.Thresholds); err != nil {
			log.Error().Err(err).Str("evaluation_id", r.EvaluationID).Msg("Failed to unmarshal evaluation thresholds")
			continue
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	log.Debug().Int("count", len(records)).Int("limit", limit).Msg("Retrieved recent evaluations")
	return records, nil
}

// Summary aggregates all evaluations in the table.
func (l *PostgresEvaluationLog) Summary(ctx context.Context) (*EvaluationSummary, error) {
	if l.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	summary := &EvaluationSummary{ByGate: make(map[types.Gate]int)}

	var last sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN viable THEN 1 END),
			MAX(evaluated_at)
		FROM evaluations`).Scan(&summary.TotalEvaluations, &summary.ViableCount, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation totals: %w", err)
	}
	if last.Valid {
		t := last.Time.UTC()
		summary.LastEvaluatedAt = &t
	}

	rows, err := l.db.QueryContext(ctx, `SELECT gate, COUNT(*) FROM evaluations GROUP BY gate`)
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation counts by gate: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var gate string
		var n int
		if err := rows.Scan(&gate, &n); err != nil {
			return nil, fmt.Errorf("failed to scan gate count: %w", err)
		}
		summary.ByGate[types.Gate(gate)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return summary, nil
}
