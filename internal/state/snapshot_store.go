package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sentinel-pma/sentinel/internal/types"
)

// PostgresEvaluationLog is an EvaluationLog backed by the evaluations table.
type PostgresEvaluationLog struct {
	db *sql.DB
}

// NewPostgresEvaluationLog creates an evaluation log over db.
func NewPostgresEvaluationLog(db *sql.DB) *PostgresEvaluationLog {
	return &PostgresEvaluationLog{db: db}
}

// Append saves an evaluation record. A missing EvaluationID or EvaluatedAt is filled in.
func (l *PostgresEvaluationLog) Append(ctx context.Context, record types.EvaluationRecord) error {
	if l.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if record.EvaluationID == "" {
		record.EvaluationID = uuid.NewString()
	}
	if record.EvaluatedAt.IsZero() {
		record.EvaluatedAt = time.Now().UTC()
	}

	snapshotJSON, err := json.Marshal(record.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	thresholdsJSON, err := json.Marshal(record.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal thresholds: %w", err)
	}

	query := `
		INSERT INTO evaluations (
			evaluation_id, owner, protocol, token,
			target_protocol, target_apy_pct, snapshot, thresholds,
			viable, gate, reason,
			apy_improvement_pct, expected_annual_gain_usd, gain_to_cost_ratio,
			source, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);`

	v := record.Verdict
	_, err = l.db.ExecContext(ctx, query,
		record.EvaluationID, record.Key.Owner, record.Key.Protocol, record.Key.Token,
		record.TargetProtocol, record.TargetAPYPct, snapshotJSON, thresholdsJSON,
		v.Viable, string(v.Gate), v.Reason,
		v.APYImprovementPct, v.ExpectedAnnualGainUSD, v.GainToCostRatio,
		record.Source, record.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save evaluation: %w", err)
	}

	log.Debug().
		Str("evaluation_id", record.EvaluationID).
		Str("owner", record.Key.Owner).
		Str("gate", string(v.Gate)).
		Bool("viable", v.Viable).
		Msg("Evaluation saved to database")
	return nil
}
