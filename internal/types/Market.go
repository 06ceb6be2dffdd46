/*

This file contains the market-side types returned by the Portals data provider: wallet balances,
yield-bearing tokens and the queries used to fetch them.

*/

package types

// RiskLevel is the risk classification assigned to a protocol.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// Balance is one entry of an account's holdings.
// Wallet tokens live on the "native" or "basic" platforms; anything else is an open position.
type Balance struct {
	Key        string  `json:"key"`
	Name       string  `json:"name"`
	Symbol     string  `json:"symbol"`
	Address    string  `json:"address"`
	Platform   string  `json:"platform"`
	Network    string  `json:"network"`
	Decimals   int     `json:"decimals"`
	PriceUSD   float64 `json:"price_usd"`
	Amount     float64 `json:"amount"`      // Balance in token units
	BalanceUSD float64 `json:"balance_usd"` // Balance in USD
	APYPct     float64 `json:"apy_pct"`     // Zero when the provider reports none
}

// IsWalletToken reports whether the balance is a plain wallet holding rather than a protocol position.
func (b Balance) IsWalletToken() bool {
	return b.Platform == "native" || b.Platform == "basic"
}

// MarketToken is a yield-bearing token listed by the provider.
type MarketToken struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	Symbol       string    `json:"symbol"`
	Address      string    `json:"address"`
	Platform     string    `json:"platform"`
	Network      string    `json:"network"`
	PriceUSD     float64   `json:"price_usd"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	APYPct       float64   `json:"apy_pct"`
	Volume7dUSD  float64   `json:"volume_7d_usd"`     // Absolute value; provider volumes can be signed
	HasVolume7d  bool      `json:"has_volume_7d"`     // False when the provider reports no volume
	Risk         RiskLevel `json:"risk"`
}

// MarketQuery filters a market data request.
type MarketQuery struct {
	Network           string   `json:"network"`
	Search            string   `json:"search"`             // Token search term (e.g., "usdc")
	MinAPY            float64  `json:"min_apy"`
	MaxAPY            float64  `json:"max_apy"`
	MinLiquidity      float64  `json:"min_liquidity"`
	Platforms         []string `json:"platforms,omitempty"` // Restrict to these platforms when non-empty
	ExcludedProtocols []string `json:"excluded_protocols,omitempty"`
}

// PositionQuery names one (protocol, token) pair to look up.
type PositionQuery struct {
	Protocol string `json:"protocol"`
	Token    string `json:"token"`
}

// PositionMarketData is the market data found for one PositionQuery.
type PositionMarketData struct {
	Protocol string        `json:"protocol"`
	Token    string        `json:"token"`
	Tokens   []MarketToken `json:"tokens"`
}
