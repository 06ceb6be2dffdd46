package rebalancer

// CalculateExpectedAnnualGain returns the USD gained over a year by moving currentValueUSD
// from currentAPYPct to targetAPYPct. APYs are percentages. A worse target yields a negative gain.
func CalculateExpectedAnnualGain(currentValueUSD, currentAPYPct, targetAPYPct float64) float64 {
	return currentValueUSD * (targetAPYPct - currentAPYPct) / 100
}
