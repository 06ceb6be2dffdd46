/*

This file contains the types for positions and the verdicts produced when evaluating a reallocation.

*/

package types

import "time"

// PositionKey identifies a tracked position: one token held by one owner on one protocol.
type PositionKey struct {
	Owner    string `json:"owner"`    // Wallet address of the position owner
	Protocol string `json:"protocol"` // Portals platform id (e.g., "aavev3")
	Token    string `json:"token"`    // Token symbol (e.g., "USDC")
}

// TrackedPosition is the state kept per position by the age tracker.
type TrackedPosition struct {
	PositionKey
	ValueUSD    float64   `json:"value_usd"`     // Last observed USD value
	APYPct      float64   `json:"apy_pct"`       // Last observed APY (percentage)
	FirstSeenAt time.Time `json:"first_seen_at"` // Set once, never overwritten
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// AgeHours returns the hours elapsed between FirstSeenAt and now.
func (p TrackedPosition) AgeHours(now time.Time) float64 {
	if p.FirstSeenAt.IsZero() {
		return 0
	}
	age := now.Sub(p.FirstSeenAt).Hours()
	if age < 0 {
		return 0
	}
	return age
}

// PositionSnapshot is the per-evaluation view of the currently held position.
type PositionSnapshot struct {
	CurrentValueUSD float64 `json:"current_value_usd"`
	CurrentAPYPct   float64 `json:"current_apy_pct"`
	AgeHours        float64 `json:"age_hours"`
}

// ReallocationCandidate describes the destination being considered.
type ReallocationCandidate struct {
	TargetProtocol string  `json:"target_protocol,omitempty"`
	TargetAPYPct   float64 `json:"target_apy_pct"`
}

// Gate names the check that decided a verdict.
type Gate string

const (
	GateSize        Gate = "size"        // Position value below the minimum
	GateAge         Gate = "age"         // Position younger than the holding period
	GateImprovement Gate = "improvement" // APY improvement below the minimum
	GateCostRatio   Gate = "cost_ratio"  // Expected gain does not cover gas cost often enough
	GatePassed      Gate = "passed"      // Every gate passed
)

// Verdict is the outcome of a viability check.
// The computed figures are zero when the deciding gate ran before they were computed.
type Verdict struct {
	Viable                bool    `json:"viable"`
	Reason                string  `json:"reason"`
	Gate                  Gate    `json:"gate"`
	APYImprovementPct     float64 `json:"apy_improvement_pct,omitempty"`
	ExpectedAnnualGainUSD float64 `json:"expected_annual_gain_usd,omitempty"`
	GainToCostRatio       float64 `json:"gain_to_cost_ratio,omitempty"`
}

// EvaluationRecord is an audit entry for one viability check against a tracked position.
type EvaluationRecord struct {
	EvaluationID   string           `json:"evaluation_id"`
	Key            PositionKey      `json:"key"`
	TargetProtocol string           `json:"target_protocol"`
	TargetAPYPct   float64          `json:"target_apy_pct"`
	Snapshot       PositionSnapshot `json:"snapshot"`
	Thresholds     ThresholdSet     `json:"thresholds"`
	Verdict        Verdict          `json:"verdict"`
	Source         string           `json:"source"` // "tool", "sweep" or "api"
	EvaluatedAt    time.Time        `json:"evaluated_at"`
}
