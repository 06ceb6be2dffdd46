// Package sentinel is the monitoring side of the portfolio manager: agent tools that expose wallet and
// market state, the tracked-position evaluator and the scheduled reallocation sweep.
package sentinel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sentinel-pma/sentinel/internal/logger"
	"github.com/sentinel-pma/sentinel/internal/metrics"
	"github.com/sentinel-pma/sentinel/internal/rebalancer"
	"github.com/sentinel-pma/sentinel/internal/state"
	"github.com/sentinel-pma/sentinel/internal/types"
)

// Evaluation sources recorded on audit entries and metrics.
const (
	SourceTool  = "tool"
	SourceSweep = "sweep"
	SourceAPI   = "api"
)

// ErrPositionNotTracked is returned when a tracked-position evaluation names a position the tracker has never seen.
var ErrPositionNotTracked = errors.New("position not tracked")

// Evaluator runs the viability engine against tracked positions and records every verdict.
type Evaluator struct {
	tracker    *state.Tracker
	log        state.EvaluationLog
	thresholds types.ThresholdSet
	logger     zerolog.Logger
}

// NewEvaluator creates an evaluator. thresholds must already be valid; an invalid set makes every evaluation fail.
func NewEvaluator(tracker *state.Tracker, evalLog state.EvaluationLog, thresholds types.ThresholdSet) (*Evaluator, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if evalLog == nil {
		return nil, fmt.Errorf("evaluation log cannot be nil")
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{
		tracker:    tracker,
		log:        evalLog,
		thresholds: thresholds,
		logger:     logger.GetForComponent("evaluator"),
	}, nil
}

// Thresholds returns a copy of the active thresholds.
func (e *Evaluator) Thresholds() types.ThresholdSet {
	return e.thresholds
}

// Tracker returns the position tracker.
func (e *Evaluator) Tracker() *state.Tracker {
	return e.tracker
}

// Log returns the evaluation log.
func (e *Evaluator) Log() state.EvaluationLog {
	return e.log
}

// EvaluateTracked evaluates moving the tracked position key to candidate.
// It returns ErrPositionNotTracked when the tracker has no entry for key.
func (e *Evaluator) EvaluateTracked(ctx context.Context, key types.PositionKey, candidate types.ReallocationCandidate, source string) (*types.EvaluationRecord, error) {
	key, err := state.NormalizeKey(key)
	if err != nil {
		return nil, err
	}

	snapshot, found, err := e.tracker.Snapshot(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracked position: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrPositionNotTracked, key.Owner, key.Protocol, key.Token)
	}

	verdict, err := rebalancer.Evaluate(snapshot, candidate, e.thresholds)
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues(source).Inc()
		return nil, err
	}
	metrics.Evaluations.WithLabelValues(string(verdict.Gate), source).Inc()

	record := types.EvaluationRecord{
		EvaluationID:   uuid.New().String(),
		Key:            key,
		TargetProtocol: candidate.TargetProtocol,
		TargetAPYPct:   candidate.TargetAPYPct,
		Snapshot:       snapshot,
		Thresholds:     e.thresholds,
		Verdict:        verdict,
		Source:         source,
		EvaluatedAt:    e.tracker.Now().UTC(),
	}

	// A failed append loses the audit entry, not the verdict.
	if err := e.log.Append(ctx, record); err != nil {
		e.logger.Error().Err(err).Str("evaluationId", record.EvaluationID).Msg("Failed to append evaluation record")
	}

	e.logger.Info().
		Str("owner", key.Owner).
		Str("protocol", key.Protocol).
		Str("token", key.Token).
		Str("targetProtocol", candidate.TargetProtocol).
		Float64("targetApy", candidate.TargetAPYPct).
		Bool("viable", verdict.Viable).
		Str("gate", string(verdict.Gate)).
		Str("source", source).
		Msg("Evaluated reallocation")

	return &record, nil
}
