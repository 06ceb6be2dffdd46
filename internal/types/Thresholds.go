/*

This file contains the threshold set used to gate reallocations between yield protocols.

*/

package types

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidThresholds is returned when a ThresholdSet violates its invariants.
var ErrInvalidThresholds = errors.New("invalid reallocation thresholds")

// ThresholdSet holds the limits a reallocation must clear to be considered viable.
// It is a value type: overrides are applied to copies, a shared set is never changed in place.
type ThresholdSet struct {
	MinAPYImprovementPct  float64 `json:"min_apy_improvement_pct" yaml:"min_apy_improvement_pct"`   // Minimum percentage-point APY gain (e.g., 1.5).
	MinHoldingPeriodHours float64 `json:"min_holding_period_hours" yaml:"min_holding_period_hours"` // Minimum age of the current position before moving it.
	MinPositionValueUSD   float64 `json:"min_position_value_usd" yaml:"min_position_value_usd"`     // Minimum USD size of a position worth moving.
	EstimatedGasCostUSD   float64 `json:"estimated_gas_cost_usd" yaml:"estimated_gas_cost_usd"`     // Flat USD cost assumed for one reallocation. Must be > 0.
	MinGainToCostRatio    float64 `json:"min_gain_to_cost_ratio" yaml:"min_gain_to_cost_ratio"`     // Minimum expected annual gain divided by gas cost.
}

// Validate checks that every field is finite and non-negative and that the gas cost is positive.
func (t ThresholdSet) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"min_apy_improvement_pct", t.MinAPYImprovementPct},
		{"min_holding_period_hours", t.MinHoldingPeriodHours},
		{"min_position_value_usd", t.MinPositionValueUSD},
		{"estimated_gas_cost_usd", t.EstimatedGasCostUSD},
		{"min_gain_to_cost_ratio", t.MinGainToCostRatio},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidThresholds, f.name)
		}
		if f.value < 0 {
			return fmt.Errorf("%w: %s is negative (%v)", ErrInvalidThresholds, f.name, f.value)
		}
	}
	// A zero gas cost would make the gain-to-cost ratio undefined.
	if t.EstimatedGasCostUSD == 0 {
		return fmt.Errorf("%w: estimated_gas_cost_usd must be greater than zero", ErrInvalidThresholds)
	}
	return nil
}

// WithMinAPYImprovement returns a copy with the minimum APY improvement replaced.
func (t ThresholdSet) WithMinAPYImprovement(pct float64) ThresholdSet {
	t.MinAPYImprovementPct = pct
	return t
}

// WithMinHoldingPeriod returns a copy with the minimum holding period replaced.
func (t ThresholdSet) WithMinHoldingPeriod(hours float64) ThresholdSet {
	t.MinHoldingPeriodHours = hours
	return t
}

// WithMinPositionValue returns a copy with the minimum position value replaced.
func (t ThresholdSet) WithMinPositionValue(usd float64) ThresholdSet {
	t.MinPositionValueUSD = usd
	return t
}

// WithEstimatedGasCost returns a copy with the estimated gas cost replaced.
func (t ThresholdSet) WithEstimatedGasCost(usd float64) ThresholdSet {
	t.EstimatedGasCostUSD = usd
	return t
}

// WithMinGainToCostRatio returns a copy with the minimum gain-to-cost ratio replaced.
func (t ThresholdSet) WithMinGainToCostRatio(ratio float64) ThresholdSet {
	t.MinGainToCostRatio = ratio
	return t
}
