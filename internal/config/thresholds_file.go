package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/sentinel-pma/sentinel/internal/types"
	"gopkg.in/yaml.v3"
)

// LoadThresholdsFile reads a YAML file and overlays the fields it sets onto the defaults.
// Fields missing from the file keep their default value and unknown keys are rejected.
// The result is validated.
//
//	min_apy_improvement_pct: 2
//	estimated_gas_cost_usd: 1.25
func LoadThresholdsFile(path string) (types.ThresholdSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ThresholdSet{}, fmt.Errorf("failed to read thresholds file %s: %w", path, err)
	}

	set := DefaultThresholds()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil && !errors.Is(err, io.EOF) {
		return types.ThresholdSet{}, fmt.Errorf("failed to parse thresholds file %s: %w", path, err)
	}
	if err := set.Validate(); err != nil {
		return types.ThresholdSet{}, fmt.Errorf("thresholds file %s: %w", path, err)
	}

	log.Info().Str("path", path).Interface("thresholds", set).Msg("Loaded reallocation thresholds from file")
	return set, nil
}

// thresholdEnvOverrides lists the environment variables that override single threshold fields.
var thresholdEnvOverrides = []struct {
	key   string
	apply func(types.ThresholdSet, float64) types.ThresholdSet
}{
	{"THRESHOLD_MIN_APY_IMPROVEMENT_PCT", types.ThresholdSet.WithMinAPYImprovement},
	{"THRESHOLD_MIN_HOLDING_PERIOD_HOURS", types.ThresholdSet.WithMinHoldingPeriod},
	{"THRESHOLD_MIN_POSITION_VALUE_USD", types.ThresholdSet.WithMinPositionValue},
	{"THRESHOLD_ESTIMATED_GAS_COST_USD", types.ThresholdSet.WithEstimatedGasCost},
	{"THRESHOLD_MIN_GAIN_TO_COST_RATIO", types.ThresholdSet.WithMinGainToCostRatio},
}

// ApplyThresholdEnv applies any THRESHOLD_* environment overrides on top of base and validates the result.
func ApplyThresholdEnv(base types.ThresholdSet) (types.ThresholdSet, error) {
	set := base
	for _, o := range thresholdEnvOverrides {
		if _, ok := os.LookupEnv(o.key); !ok {
			continue
		}
		v, err := getEnvAsFloat64(o.key)
		if err != nil {
			return types.ThresholdSet{}, err
		}
		set = o.apply(set, v)
	}
	if err := set.Validate(); err != nil {
		return types.ThresholdSet{}, err
	}
	return set, nil
}
