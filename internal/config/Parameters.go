/*

This file contains the default reallocation thresholds and market query parameters for the sentinel.

The thresholds are deliberately conservative: a reallocation costs gas, resets the holding clock and
exposes the position to a new protocol, so a move has to pay for itself several times over before it
is recommended.

*/

package config

import (
	"github.com/sentinel-pma/sentinel/internal/types"
)

// defaultThresholds is never handed out directly. DefaultThresholds returns a copy.
var defaultThresholds = types.ThresholdSet{
	MinAPYImprovementPct: 1.5, // Require at least 1.5 percentage points of extra APY.
	// Rationale: APYs on lending markets drift by fractions of a point every day.
	// Anything smaller is noise and would be gone before the move paid for itself.

	MinHoldingPeriodHours: 24, // Hold a position for at least a day before moving it.
	// Rationale: Prevents churning between protocols on short-lived rate spikes.

	MinPositionValueUSD: 100, // Ignore positions worth less than $100.
	// Rationale: At this size even a large APY gap earns a few dollars a year.

	EstimatedGasCostUSD: 5, // Assume $5 for a full withdraw + deposit round trip.
	// Rationale: Flat estimate for an L2 withdraw, optional swap and deposit.

	MinGainToCostRatio: 3, // Expected annual gain must cover the gas cost three times.
	// Rationale: Leaves margin for APY mean reversion and for the gas estimate being wrong.
}

// DefaultThresholds returns a fresh copy of the default reallocation thresholds.
// These values are used if no thresholds file or active database row is configured.
func DefaultThresholds() types.ThresholdSet {
	return defaultThresholds
}

// Market query defaults used by the agent tools and the sweep.
const (
	DefaultMarketToken        = "usdc"
	DefaultMinAPY             = 3.0  // Below this a protocol is not worth the smart contract risk.
	DefaultMaxAPY             = 60.0 // Above this the yield is almost certainly unsustainable.
	DefaultMinLiquidityUSD    = 10_000_000.0
	DefaultNoActionWaitTimeS  = 3600
	DefaultEvaluationLogLimit = 50
)

// DefaultMarketQuery returns the market query used when a caller does not specify one.
func DefaultMarketQuery(network string) types.MarketQuery {
	return types.MarketQuery{
		Network:           network,
		Search:            DefaultMarketToken,
		MinAPY:            DefaultMinAPY,
		MaxAPY:            DefaultMaxAPY,
		MinLiquidity:      DefaultMinLiquidityUSD,
		Platforms:         ApprovedProtocols(),
		ExcludedProtocols: nil,
	}
}
