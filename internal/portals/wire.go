package portals

import (
	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/types"
	"github.com/shopspring/decimal"
)

// The Portals API encodes numeric fields inconsistently: some as JSON numbers, some as
// numeric strings, some as null. decimal.NullDecimal accepts all three.

type accountResponse struct {
	Balances []balanceJSON `json:"balances"`
}

type balanceJSON struct {
	Key        string              `json:"key"`
	Name       string              `json:"name"`
	Symbol     string              `json:"symbol"`
	Address    string              `json:"address"`
	Platform   string              `json:"platform"`
	Network    string              `json:"network"`
	Decimals   int                 `json:"decimals"`
	Price      decimal.NullDecimal `json:"price"`
	Balance    decimal.NullDecimal `json:"balance"`
	BalanceUSD decimal.NullDecimal `json:"balanceUSD"`
	Metrics    metricsJSON         `json:"metrics"`
}

type tokensResponse struct {
	Tokens []tokenJSON `json:"tokens"`
	More   bool        `json:"more"`
	Page   int         `json:"page"`
}

type tokenJSON struct {
	Key       string              `json:"key"`
	Name      string              `json:"name"`
	Symbol    string              `json:"symbol"`
	Address   string              `json:"address"`
	Platform  string              `json:"platform"`
	Network   string              `json:"network"`
	Price     decimal.NullDecimal `json:"price"`
	Liquidity decimal.NullDecimal `json:"liquidity"`
	Metrics   metricsJSON         `json:"metrics"`
}

type metricsJSON struct {
	APY         decimal.NullDecimal `json:"apy"`
	VolumeUSD7d decimal.NullDecimal `json:"volumeUsd7d"`
}

func float(d decimal.NullDecimal) float64 {
	if !d.Valid {
		return 0
	}
	f, _ := d.Decimal.Float64()
	return f
}

func (b balanceJSON) toBalance() types.Balance {
	return types.Balance{
		Key:        b.Key,
		Name:       b.Name,
		Symbol:     b.Symbol,
		Address:    b.Address,
		Platform:   b.Platform,
		Network:    b.Network,
		Decimals:   b.Decimals,
		PriceUSD:   float(b.Price),
		Amount:     float(b.Balance),
		BalanceUSD: float(b.BalanceUSD),
		APYPct:     float(b.Metrics.APY),
	}
}

func (t tokenJSON) toMarketToken() types.MarketToken {
	m := types.MarketToken{
		Key:          t.Key,
		Name:         t.Name,
		Symbol:       t.Symbol,
		Address:      t.Address,
		Platform:     t.Platform,
		Network:      t.Network,
		PriceUSD:     float(t.Price),
		LiquidityUSD: float(t.Liquidity),
		APYPct:       float(t.Metrics.APY),
		Risk:         config.ProtocolRisk(t.Platform),
	}
	// Volumes can come back signed; only the magnitude matters.
	if v := t.Metrics.VolumeUSD7d; v.Valid && !v.Decimal.IsZero() {
		m.Volume7dUSD, _ = v.Decimal.Abs().Float64()
		m.HasVolume7d = true
	}
	return m
}
