// Package rebalancer decides whether moving a position between yield protocols pays for itself.
//
// A reallocation is checked against four gates, in order: position size, position age,
// APY improvement and gain-to-cost ratio. The first failing gate decides the verdict.
package rebalancer

import (
	"errors"
	"fmt"

	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/types"
	"github.com/sentinel-pma/sentinel/internal/utils"
)

var (
	// ErrInvalidInput is returned for NaN or infinite inputs, a negative position value or a negative age.
	ErrInvalidInput = errors.New("invalid reallocation input")
	// ErrInvalidThresholds is returned when the threshold set fails validation.
	ErrInvalidThresholds = types.ErrInvalidThresholds
)

// IsReallocationViable evaluates a move of a position worth currentValueUSD earning currentAPYPct
// to a target earning targetAPYPct. A nil thresholds pointer uses config.DefaultThresholds().
func IsReallocationViable(currentValueUSD, currentAPYPct, targetAPYPct, ageHours float64, thresholds *types.ThresholdSet) (types.Verdict, error) {
	set := config.DefaultThresholds()
	if thresholds != nil {
		set = *thresholds
	}
	snapshot := types.PositionSnapshot{
		CurrentValueUSD: currentValueUSD,
		CurrentAPYPct:   currentAPYPct,
		AgeHours:        ageHours,
	}
	return Evaluate(snapshot, types.ReallocationCandidate{TargetAPYPct: targetAPYPct}, set)
}

// Evaluate runs the viability gates for a snapshot of the current position against a candidate.
// It has no side effects and is safe for concurrent use.
func Evaluate(snapshot types.PositionSnapshot, candidate types.ReallocationCandidate, thresholds types.ThresholdSet) (types.Verdict, error) {
	if err := validateInput(snapshot, candidate); err != nil {
		return types.Verdict{}, err
	}
	if err := thresholds.Validate(); err != nil {
		return types.Verdict{}, err
	}

	value := snapshot.CurrentValueUSD
	if value < thresholds.MinPositionValueUSD {
		return types.Verdict{
			Gate: types.GateSize,
			Reason: fmt.Sprintf("Position value ($%s) is below minimum threshold ($%s)",
				utils.FormatFixed(value, 2), utils.FormatPlain(thresholds.MinPositionValueUSD)),
		}, nil
	}

	if snapshot.AgeHours < thresholds.MinHoldingPeriodHours {
		return types.Verdict{
			Gate: types.GateAge,
			Reason: fmt.Sprintf("Position age (%s hours) is below minimum holding period (%s hours)",
				utils.FormatFixed(snapshot.AgeHours, 1), utils.FormatPlain(thresholds.MinHoldingPeriodHours)),
		}, nil
	}

	improvement := candidate.TargetAPYPct - snapshot.CurrentAPYPct
	if improvement < thresholds.MinAPYImprovementPct {
		return types.Verdict{
			Gate:              types.GateImprovement,
			APYImprovementPct: improvement,
			Reason: fmt.Sprintf("APY improvement (%s%%) is below minimum threshold (%s%%)",
				utils.FormatFixed(improvement, 2), utils.FormatPlain(thresholds.MinAPYImprovementPct)),
		}, nil
	}

	gain := CalculateExpectedAnnualGain(value, snapshot.CurrentAPYPct, candidate.TargetAPYPct)
	ratio := gain / thresholds.EstimatedGasCostUSD
	if ratio < thresholds.MinGainToCostRatio {
		return types.Verdict{
			Gate:                  types.GateCostRatio,
			APYImprovementPct:     improvement,
			ExpectedAnnualGainUSD: gain,
			GainToCostRatio:       ratio,
			Reason: fmt.Sprintf("Gain-to-cost ratio (%s) is below minimum threshold (%s)",
				utils.FormatFixed(ratio, 2), utils.FormatPlain(thresholds.MinGainToCostRatio)),
		}, nil
	}

	return types.Verdict{
		Viable:                true,
		Gate:                  types.GatePassed,
		APYImprovementPct:     improvement,
		ExpectedAnnualGainUSD: gain,
		GainToCostRatio:       ratio,
		Reason: fmt.Sprintf("Reallocation is economically viable with expected annual gain of $%s and gain-to-cost ratio of %s",
			utils.FormatFixed(gain, 2), utils.FormatFixed(ratio, 2)),
	}, nil
}

func validateInput(snapshot types.PositionSnapshot, candidate types.ReallocationCandidate) error {
	if err := utils.RequireNonNegative("current value", snapshot.CurrentValueUSD); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := utils.RequireNonNegative("position age", snapshot.AgeHours); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	// APYs may legitimately be negative.
	if err := utils.RequireFinite("current APY", snapshot.CurrentAPYPct); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := utils.RequireFinite("target APY", candidate.TargetAPYPct); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}
