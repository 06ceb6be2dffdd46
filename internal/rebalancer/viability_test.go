package rebalancer

import (
	"math"
	"sync"
	"testing"

	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateExpectedAnnualGain(t *testing.T) {
	assert.Equal(t, 20.0, CalculateExpectedAnnualGain(1000, 3, 5))
	assert.Equal(t, -10.0, CalculateExpectedAnnualGain(1000, 5, 4))
	assert.Equal(t, 0.0, CalculateExpectedAnnualGain(0, 3, 9))
}

func TestIsReallocationViable_Gates(t *testing.T) {
	costly := config.DefaultThresholds().
		WithMinAPYImprovement(1).
		WithEstimatedGasCost(10).
		WithMinGainToCostRatio(5)

	tests := []struct {
		name       string
		value      float64
		current    float64
		target     float64
		age        float64
		thresholds *types.ThresholdSet
		viable     bool
		gate       types.Gate
		reason     string
	}{
		{
			name: "position too small", value: 50, current: 3, target: 6, age: 48,
			gate:   types.GateSize,
			reason: "Position value ($50.00) is below minimum threshold ($100)",
		},
		{
			name: "position too young", value: 1000, current: 3, target: 6, age: 12,
			gate:   types.GateAge,
			reason: "Position age (12.0 hours) is below minimum holding period (24 hours)",
		},
		{
			name: "improvement too small", value: 1000, current: 4, target: 4.5, age: 48,
			gate:   types.GateImprovement,
			reason: "APY improvement (0.50%) is below minimum threshold (1.5%)",
		},
		{
			name: "worse target APY", value: 1000, current: 5, target: 4, age: 48,
			gate:   types.GateImprovement,
			reason: "APY improvement (-1.00%) is below minimum threshold (1.5%)",
		},
		{
			name: "gain does not cover gas", value: 200, current: 3, target: 4.5, age: 48,
			thresholds: &costly,
			gate:       types.GateCostRatio,
			reason:     "Gain-to-cost ratio (0.30) is below minimum threshold (5)",
		},
		{
			name: "viable", value: 1000, current: 3, target: 5, age: 48,
			viable: true,
			gate:   types.GatePassed,
			reason: "Reallocation is economically viable with expected annual gain of $20.00 and gain-to-cost ratio of 4.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := IsReallocationViable(tt.value, tt.current, tt.target, tt.age, tt.thresholds)
			require.NoError(t, err)
			assert.Equal(t, tt.viable, v.Viable)
			assert.Equal(t, tt.gate, v.Gate)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestIsReallocationViable_SizeGateWinsOverEverything(t *testing.T) {
	// Fails every gate; only the first one is reported.
	v, err := IsReallocationViable(10, 9, 1, 0, nil)
	require.NoError(t, err)
	assert.False(t, v.Viable)
	assert.Equal(t, types.GateSize, v.Gate)
	assert.Contains(t, v.Reason, "value")
	assert.Contains(t, v.Reason, "below minimum threshold")
}

func TestEvaluate_ComputedFigures(t *testing.T) {
	v, err := Evaluate(
		types.PositionSnapshot{CurrentValueUSD: 1000, CurrentAPYPct: 3, AgeHours: 48},
		types.ReallocationCandidate{TargetProtocol: "morpho", TargetAPYPct: 5},
		config.DefaultThresholds(),
	)
	require.NoError(t, err)
	assert.True(t, v.Viable)
	assert.InDelta(t, 2.0, v.APYImprovementPct, 1e-9)
	assert.InDelta(t, 20.0, v.ExpectedAnnualGainUSD, 1e-9)
	assert.InDelta(t, 4.0, v.GainToCostRatio, 1e-9)
}

func TestEvaluate_BoundaryValuesPass(t *testing.T) {
	// Each gate is strict less-than, so values equal to the thresholds pass.
	v, err := IsReallocationViable(100, 0, 15, 24, nil)
	require.NoError(t, err)
	assert.True(t, v.Viable, v.Reason)
}

func TestEvaluate_InvalidInput(t *testing.T) {
	tests := []struct {
		name                        string
		value, current, target, age float64
	}{
		{"NaN value", math.NaN(), 3, 5, 48},
		{"infinite target", 1000, 3, math.Inf(1), 48},
		{"NaN current apy", 1000, math.NaN(), 5, 48},
		{"negative value", -1, 3, 5, 48},
		{"negative age", 1000, 3, 5, -0.5},
		{"infinite age", 1000, 3, 5, math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := IsReallocationViable(tt.value, tt.current, tt.target, tt.age, nil)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestEvaluate_InvalidThresholds(t *testing.T) {
	for _, set := range []types.ThresholdSet{
		config.DefaultThresholds().WithEstimatedGasCost(0),
		config.DefaultThresholds().WithEstimatedGasCost(-5),
		config.DefaultThresholds().WithMinGainToCostRatio(math.NaN()),
		config.DefaultThresholds().WithMinHoldingPeriod(-1),
	} {
		_, err := IsReallocationViable(1000, 3, 5, 48, &set)
		assert.ErrorIs(t, err, ErrInvalidThresholds)
	}
}

func TestEvaluate_DoesNotMutateThresholds(t *testing.T) {
	set := config.DefaultThresholds().WithMinAPYImprovement(0.25)
	before := set
	_, err := IsReallocationViable(1000, 3, 5, 48, &set)
	require.NoError(t, err)
	assert.Equal(t, before, set)
	assert.Equal(t, 1.5, config.DefaultThresholds().MinAPYImprovementPct)
}

func TestEvaluate_DeterministicAndConcurrent(t *testing.T) {
	want, err := IsReallocationViable(1000, 3, 5, 48, nil)
	require.NoError(t, err)

	// Every threshold set used below lets the move through, so all verdicts must match want.
	var wg sync.WaitGroup
	results := make([]types.Verdict, 64)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results[i], errs[i] = IsReallocationViable(1000, 3, 5, 48, nil)
				return
			}
			set := config.DefaultThresholds().WithMinAPYImprovement(float64(i % 3))
			results[i], errs[i] = IsReallocationViable(1000, 3, 5, 48, &set)
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		require.NoError(t, errs[i], "call %d", i)
		assert.Equal(t, want, got, "call %d", i)
	}
}
