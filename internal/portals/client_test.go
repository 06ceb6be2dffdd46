package portals

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentinel-pma/sentinel/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountJSON = `{
  "balances": [
    {"key": "base:0x0", "name": "Ether", "symbol": "ETH", "platform": "native", "network": "base",
     "decimals": 18, "price": 3000.5, "balance": "0.5", "balanceUSD": 1500.25, "metrics": {}},
    {"key": "base:0xusdc", "name": "USD Coin", "symbol": "USDC", "platform": "basic", "network": "base",
     "decimals": 6, "price": 1, "balance": 250, "balanceUSD": 250, "metrics": {"apy": null}},
    {"key": "base:0xausdc", "name": "Aave Base USDC", "symbol": "USDC", "platform": "aavev3", "network": "base",
     "decimals": 6, "price": "1.0001", "balance": "1000", "balanceUSD": "1000.1", "metrics": {"apy": "4.25"}}
  ]
}`

const tokensJSON = `{
  "tokens": [
    {"key": "base:0xa", "name": "Aave USDC", "symbol": "aBasUSDC", "platform": "aavev3", "network": "base",
     "price": 1, "liquidity": 12345678, "metrics": {"apy": "4.5", "volumeUsd7d": "-2500000"}},
    {"key": "base:0xm", "name": "Morpho USDC", "symbol": "mUSDC", "platform": "morpho", "network": "base",
     "price": 1, "liquidity": "50000000", "metrics": {"apy": 6.1}},
    {"key": "base:0xx", "name": "Fork USDC", "symbol": "xUSDC", "platform": "somefork", "network": "base",
     "price": 1, "liquidity": 20000000, "metrics": {"apy": 9, "volumeUsd7d": 0}}
  ],
  "more": false
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, ttl time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", Network: "base", CacheTTL: ttl, MaxRetries: 2})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGetAccountBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/account", r.URL.Path)
		assert.Equal(t, "0xabc", r.URL.Query().Get("owner"))
		assert.Equal(t, "base", r.URL.Query().Get("networks"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(accountJSON))
	}, 0)

	balances, err := c.GetAccountBalances(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, balances, 3)

	assert.True(t, balances[0].IsWalletToken())
	assert.Equal(t, 0.5, balances[0].Amount)
	assert.True(t, balances[1].IsWalletToken())
	assert.Equal(t, 0.0, balances[1].APYPct)

	pos := balances[2]
	assert.False(t, pos.IsWalletToken())
	assert.Equal(t, "aavev3", pos.Platform)
	assert.Equal(t, 1000.1, pos.BalanceUSD)
	assert.Equal(t, 4.25, pos.APYPct)
	assert.Equal(t, 1.0001, pos.PriceUSD)
}

func TestGetAccountBalances_MissingBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "nope"}`))
	}, 0)

	_, err := c.GetAccountBalances(context.Background(), "0xabc")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestGetMarketData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/v2/tokens", r.URL.Path)
		assert.Equal(t, "10000000", q.Get("minLiquidity"))
		assert.Equal(t, "3", q.Get("minApy"))
		assert.Equal(t, "60", q.Get("maxApy"))
		assert.Equal(t, "usdc", q.Get("search"))
		assert.Equal(t, []string{"aavev3", "morpho"}, q["platforms"])
		w.Write([]byte(tokensJSON))
	}, 0)

	tokens, err := c.GetMarketData(context.Background(), types.MarketQuery{
		Search: "usdc", MinAPY: 3, MaxAPY: 60, MinLiquidity: 10_000_000,
		Platforms: []string{"aavev3", "morpho"},
	})
	require.NoError(t, err)
	require.Len(t, tokens, 3)

	assert.Equal(t, types.RiskLow, tokens[0].Risk)
	assert.Equal(t, 4.5, tokens[0].APYPct)
	assert.True(t, tokens[0].HasVolume7d)
	assert.Equal(t, 2_500_000.0, tokens[0].Volume7dUSD)

	assert.Equal(t, 50_000_000.0, tokens[1].LiquidityUSD)
	assert.False(t, tokens[1].HasVolume7d)

	assert.Equal(t, types.RiskHigh, tokens[2].Risk)
	assert.False(t, tokens[2].HasVolume7d)
}

func TestGetMarketData_ExclusionsAndCache(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(tokensJSON))
	}, time.Minute)

	ctx := context.Background()
	q := types.MarketQuery{Search: "usdc", MinAPY: 3, MaxAPY: 60, MinLiquidity: 10_000_000}

	all, err := c.GetMarketData(ctx, q)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	q.ExcludedProtocols = []string{"AaveV3", "somefork"}
	filtered, err := c.GetMarketData(ctx, q)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "morpho", filtered[0].Platform)

	assert.Equal(t, int32(1), calls.Load(), "second query should be served from cache")
}

func TestGetMarketData_Pagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			w.Write([]byte(`{"tokens": [{"platform": "aavev3", "metrics": {"apy": 5}}], "more": true}`))
			return
		}
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Write([]byte(`{"tokens": [{"platform": "euler", "metrics": {"apy": 7}}], "more": false}`))
	}, 0)

	tokens, err := c.GetMarketData(context.Background(), types.MarketQuery{})
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, types.RiskMedium, tokens[1].Risk)
}

func TestGetMarketData_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte(tokensJSON))
	}, 0)

	tokens, err := c.GetMarketData(context.Background(), types.MarketQuery{})
	require.NoError(t, err)
	assert.Len(t, tokens, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetMarketData_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}, 0)

	_, err := c.GetMarketData(context.Background(), types.MarketQuery{})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetPositionData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		platform := q.Get("platforms")
		w.Write([]byte(`{"tokens": [{"platform": "` + platform + `", "symbol": "` + strings.ToUpper(q.Get("search")) +
			`", "metrics": {"apy": 5}}], "more": false}`))
	}, 0)

	queries := []types.PositionQuery{
		{Protocol: "aavev3", Token: "usdc"},
		{Protocol: "morpho", Token: "weth"},
		{Protocol: "euler", Token: "usdc"},
	}
	results, err := c.GetPositionData(context.Background(), queries, types.MarketQuery{MinAPY: 3, MaxAPY: 60})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, queries[i].Protocol, r.Protocol)
		require.Len(t, r.Tokens, 1)
		assert.Equal(t, queries[i].Protocol, r.Tokens[0].Platform)
		assert.Equal(t, strings.ToUpper(queries[i].Token), r.Tokens[0].Symbol)
	}
}
