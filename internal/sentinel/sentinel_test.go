package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/becomeliminal/nim-go-sdk/core"
	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/state"
	"github.com/sentinel-pma/sentinel/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0xabc"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMarket struct {
	mu          sync.Mutex
	balances    []types.Balance
	balancesErr error
	tokens      map[string][]types.MarketToken // by lower-case search term
	queries     []types.MarketQuery
	live        map[string]float64 // live APY by "protocol/token"
	liveErr     error
	liveQueries [][]types.PositionQuery
	liveBases   []types.MarketQuery
}

func (f *fakeMarket) GetAccountBalances(_ context.Context, owner string) ([]types.Balance, error) {
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	return f.balances, nil
}

func (f *fakeMarket) GetMarketData(_ context.Context, q types.MarketQuery) ([]types.MarketToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.tokens[strings.ToLower(q.Search)], nil
}

func (f *fakeMarket) GetPositionData(_ context.Context, queries []types.PositionQuery, base types.MarketQuery) ([]types.PositionMarketData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveQueries = append(f.liveQueries, queries)
	f.liveBases = append(f.liveBases, base)
	if f.liveErr != nil {
		return nil, f.liveErr
	}
	out := make([]types.PositionMarketData, len(queries))
	for i, q := range queries {
		out[i] = types.PositionMarketData{Protocol: q.Protocol, Token: q.Token}
		if apy, ok := f.live[q.Protocol+"/"+q.Token]; ok {
			out[i].Tokens = []types.MarketToken{{Platform: q.Protocol, Symbol: strings.ToUpper(q.Token), APYPct: apy}}
		}
	}
	return out, nil
}

type fixture struct {
	now       time.Time
	tracker   *state.Tracker
	log       *state.MemoryEvaluationLog
	evaluator *Evaluator
	market    *fakeMarket
	deps      *ToolDeps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: t0, market: &fakeMarket{}}
	f.tracker = state.NewTracker(state.NewMemoryStore(), func() time.Time { return f.now })
	f.log = state.NewMemoryEvaluationLog(10)

	ev, err := NewEvaluator(f.tracker, f.log, config.DefaultThresholds())
	require.NoError(t, err)
	f.evaluator = ev

	f.deps = &ToolDeps{
		Market:        f.market,
		Evaluator:     ev,
		WalletAddress: wallet,
		MarketQuery:   config.DefaultMarketQuery("base"),
	}
	return f
}

func TestNewEvaluator_RejectsInvalidThresholds(t *testing.T) {
	tracker := state.NewTracker(state.NewMemoryStore(), nil)
	_, err := NewEvaluator(tracker, state.NewMemoryEvaluationLog(1), config.DefaultThresholds().WithEstimatedGasCost(0))
	assert.ErrorIs(t, err, types.ErrInvalidThresholds)
}

func TestWalletBalancesReport(t *testing.T) {
	f := newFixture(t)
	f.market.balances = []types.Balance{
		{Symbol: "ETH", Platform: "native", Amount: 0.5, BalanceUSD: 1500.25, PriceUSD: 3000.5},
		{Symbol: "USDC", Platform: "compound-v3", Amount: 1000, BalanceUSD: 1000.1, APYPct: 4.25},
	}

	report, err := walletBalancesReport(context.Background(), f.deps)
	require.NoError(t, err)
	assert.Equal(t, "This is the current status of the wallet with address 0xabc:\n"+
		"Tokens:\n"+
		"[ETH] balance: 0.5 $1500.25) - price: $3000.5\n"+
		"Open positions:\n"+
		"[USDC] balance: 1000 $1000.1) on protocol compound v3 with APY 4.25%", report)

	p, err := f.tracker.Store().Get(context.Background(), types.PositionKey{Owner: wallet, Protocol: "compound-v3", Token: "USDC"})
	require.NoError(t, err)
	assert.Equal(t, 1000.1, p.ValueUSD)
	assert.True(t, p.FirstSeenAt.Equal(t0))

	_, err = f.tracker.Store().Get(context.Background(), types.PositionKey{Owner: wallet, Protocol: "native", Token: "ETH"})
	assert.ErrorIs(t, err, state.ErrNotFound, "wallet tokens are not tracked as positions")
}

func TestWalletBalancesReport_ForgetsClosedPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	closed := types.PositionKey{Owner: wallet, Protocol: "euler", Token: "USDC"}
	require.NoError(t, f.tracker.Observe(ctx, closed, 500, 6))
	f.market.balances = []types.Balance{
		{Symbol: "USDC", Platform: "aavev3", Amount: 1000, BalanceUSD: 1000, APYPct: 3},
	}

	_, err := walletBalancesReport(ctx, f.deps)
	require.NoError(t, err)

	_, err = f.tracker.Store().Get(ctx, closed)
	assert.ErrorIs(t, err, state.ErrNotFound)
	list, err := f.tracker.List(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "aavev3", list[0].Protocol)
}

func TestWalletBalancesReport_NoWallet(t *testing.T) {
	f := newFixture(t)
	f.deps.WalletAddress = ""

	_, err := walletBalancesReport(context.Background(), f.deps)
	assert.ErrorIs(t, err, ErrNoWallet)

	result, err := CreateTools(f.deps)[0].Execute(context.Background(), &core.ToolParams{Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ErrNoWallet.Error(), result.Error)
}

func TestWalletBalancesReport_ProviderError(t *testing.T) {
	f := newFixture(t)
	f.market.balancesErr = errors.New("down")

	result, err := CreateTools(f.deps)[0].Execute(context.Background(), &core.ToolParams{Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "down")
}

func TestMarketDataReport(t *testing.T) {
	f := newFixture(t)
	f.market.tokens = map[string][]types.MarketToken{
		"usdc": {
			{Name: "Aave USDC", Platform: "aavev3", APYPct: 4.5, Risk: types.RiskLow, LiquidityUSD: 12_345_678, Volume7dUSD: 2_500_000, HasVolume7d: true},
			{Name: "Morpho USDC", Platform: "morpho", APYPct: 6.1, Risk: types.RiskLow, LiquidityUSD: 50_000_000},
		},
	}

	report, err := marketDataReport(context.Background(), f.deps)
	require.NoError(t, err)
	assert.Equal(t, "These are the current market opportunities:\n\n"+
		"USDC Opportunities:\n"+
		"[Aave USDC] APY: 4.5% - Risk: Low - TVL: $12.35M - Volume 7d: $2.50M\n"+
		"[Morpho USDC] APY: 6.1% - Risk: Low - TVL: $50.00M - Volume 7d: N/A", report)

	require.Len(t, f.market.queries, 1)
	assert.Equal(t, config.ApprovedProtocols(), f.market.queries[0].Platforms)
}

func TestMarketDataReport_Empty(t *testing.T) {
	f := newFixture(t)

	report, err := marketDataReport(context.Background(), f.deps)
	require.NoError(t, err)
	assert.Equal(t, "These are the current market opportunities:\n\nUSDC Opportunities:\nNo opportunities found", report)
}

func TestCheckReallocationViability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tracker.Observe(ctx, types.PositionKey{Owner: wallet, Protocol: "aavev3", Token: "USDC"}, 10000, 3))
	f.now = t0.Add(48 * time.Hour)

	input := `{"current_protocol": "aavev3", "current_token": "USDC", "target_protocol": "morpho", "target_apy": 5}`
	result, err := CreateTools(f.deps)[2].Execute(ctx, &core.ToolParams{Input: json.RawMessage(input)})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "Reallocation Analysis: aavev3 -> morpho\n"+
		"Current position: 10000.00 USDC at 3.00% APY\n"+
		"Position age: 48.0 hours\n"+
		"Target APY: 5.00%\n"+
		"APY improvement: 2.00%\n"+
		"Decision: VIABLE\n"+
		"Reason: Reallocation is economically viable with expected annual gain of $200.00 and gain-to-cost ratio of 40.00", result.Data)

	records, err := f.log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, SourceTool, records[0].Source)
	assert.Equal(t, "morpho", records[0].TargetProtocol)
	assert.Equal(t, types.GatePassed, records[0].Verdict.Gate)
	assert.NotEmpty(t, records[0].EvaluationID)
	assert.True(t, records[0].EvaluatedAt.Equal(f.now))
}

func TestCheckReallocationViability_TooYoung(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tracker.Observe(ctx, types.PositionKey{Owner: wallet, Protocol: "aavev3", Token: "USDC"}, 10000, 3))
	f.now = t0.Add(2 * time.Hour)

	report, err := viabilityReport(ctx, f.deps, viabilityInput{
		CurrentProtocol: "aavev3", CurrentToken: "USDC", TargetProtocol: "morpho", TargetAPY: 5,
	})
	require.NoError(t, err)
	assert.Contains(t, report, "Decision: NOT VIABLE\n")
	assert.True(t, strings.HasSuffix(report, "Reason: Position age (2.0 hours) is below minimum holding period (24 hours)"))
}

func TestCheckReallocationViability_UnknownPosition(t *testing.T) {
	f := newFixture(t)

	report, err := viabilityReport(context.Background(), f.deps, viabilityInput{
		CurrentProtocol: "euler", CurrentToken: "USDC", TargetProtocol: "morpho", TargetAPY: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, "No existing position found for USDC on euler. Cannot evaluate reallocation.", report)

	records, err := f.log.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCheckReallocationViability_InvalidInput(t *testing.T) {
	f := newFixture(t)

	result, err := CreateTools(f.deps)[2].Execute(context.Background(), &core.ToolParams{Input: json.RawMessage(`{"target_apy": "high"}`)})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "invalid input", result.Error)
}

func TestNoFurtherActions(t *testing.T) {
	got := acknowledgeNoAction(noActionInput{Reason: "nothing beats current APY", WaitTime: 7200})
	assert.Equal(t, 7200, got["wait_time_seconds"])
	assert.Equal(t, "nothing beats current APY", got["reason"])

	got = acknowledgeNoAction(noActionInput{Reason: "idle"})
	assert.Equal(t, config.DefaultNoActionWaitTimeS, got["wait_time_seconds"])
}

func TestSystemPrompt(t *testing.T) {
	prompt := SystemPrompt(wallet, config.DefaultThresholds().WithMinAPYImprovement(2))
	assert.Contains(t, prompt, "The address of your wallet is 0xabc.")
	assert.Contains(t, prompt, "- Minimum APY improvement: 2%")
	assert.Contains(t, prompt, "- Minimum holding period: 24 hours")
	assert.Contains(t, prompt, "- Minimum position value: $100")
	assert.Contains(t, prompt, "- Minimum gain-to-cost ratio: 3")
	assert.Contains(t, prompt, "wait_time of 3600")
}

func TestBestOpportunity(t *testing.T) {
	tokens := []types.MarketToken{
		{Platform: "aavev3", APYPct: 9},
		{Platform: "somefork", APYPct: 20},
		{Platform: "euler", APYPct: 5.5},
		{Platform: "Morpho", APYPct: 5.5},
		{Platform: "moonwell", APYPct: 4},
	}

	best, ok := BestOpportunity(tokens, "AaveV3")
	require.True(t, ok)
	assert.Equal(t, "euler", best.Platform, "ties keep provider order")

	_, ok = BestOpportunity([]types.MarketToken{{Platform: "aavev3", APYPct: 9}}, "aavev3")
	assert.False(t, ok)
}

func newSweeper(t *testing.T, f *fixture, owners ...string) *Sweeper {
	t.Helper()
	s, err := NewSweeper(SweeperConfig{
		Market:      f.market,
		Positions:   f.market,
		Evaluator:   f.evaluator,
		Counter:     &state.MemorySweepCounter{},
		Owners:      owners,
		MarketQuery: config.DefaultMarketQuery("base"),
	})
	require.NoError(t, err)
	return s
}

func TestSweeper_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.balances = []types.Balance{
		{Symbol: "ETH", Platform: "native", BalanceUSD: 20},
		{Symbol: "USDC", Platform: "aavev3", BalanceUSD: 10000, APYPct: 3},
		{Symbol: "WETH", Platform: "moonwell", BalanceUSD: 500, APYPct: 2},
	}
	f.market.tokens = map[string][]types.MarketToken{
		"usdc": {
			{Platform: "aavev3", APYPct: 4},
			{Platform: "morpho", APYPct: 5.5},
			{Platform: "somefork", APYPct: 20},
			{Platform: "euler", APYPct: 5},
		},
	}
	s := newSweeper(t, f, wallet)

	// First sweep tracks the positions; they are too young to move.
	first, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sweep)
	assert.Equal(t, 1, first.Evaluated)
	assert.Equal(t, 0, first.Viable)
	assert.Equal(t, types.GateAge, first.Records[0].Verdict.Gate)

	f.now = t0.Add(48 * time.Hour)
	second, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Sweep)
	assert.Equal(t, 1, second.Evaluated)
	assert.Equal(t, 1, second.Viable)
	assert.Equal(t, 0, second.Failures)

	rec := second.Records[0]
	assert.Equal(t, "morpho", rec.TargetProtocol)
	assert.Equal(t, 5.5, rec.TargetAPYPct)
	assert.Equal(t, SourceSweep, rec.Source)
	assert.InDelta(t, 48.0, rec.Snapshot.AgeHours, 1e-9)

	for _, q := range f.market.queries {
		assert.Equal(t, strings.ToLower(q.Search), q.Search)
	}

	summary, err := f.log.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalEvaluations)
	assert.Equal(t, 1, summary.ViableCount)
}

func TestSweeper_ClosedPositionsAreNotEvaluated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.tokens = map[string][]types.MarketToken{
		"usdc": {
			{Platform: "aavev3", APYPct: 4},
			{Platform: "morpho", APYPct: 5.5},
			{Platform: "euler", APYPct: 5},
		},
	}
	f.market.balances = []types.Balance{{Symbol: "USDC", Platform: "aavev3", BalanceUSD: 10000, APYPct: 3}}
	s := newSweeper(t, f, wallet)

	_, err := s.RunOnce(ctx)
	require.NoError(t, err)

	// The funds move to morpho before the next sweep.
	f.now = t0.Add(48 * time.Hour)
	f.market.balances = []types.Balance{{Symbol: "USDC", Platform: "morpho", BalanceUSD: 10000, APYPct: 5.5}}
	second, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	assert.Equal(t, "morpho", second.Records[0].Key.Protocol)
	assert.Equal(t, types.GateAge, second.Records[0].Verdict.Gate)
	assert.Equal(t, 0, second.Viable)

	tracked, err := f.tracker.List(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, "morpho", tracked[0].Protocol)

	// Funds returning to aavev3 start a new holding period.
	f.now = t0.Add(50 * time.Hour)
	f.market.balances = []types.Balance{{Symbol: "USDC", Platform: "aavev3", BalanceUSD: 10000, APYPct: 3}}
	third, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, third.Records, 1)
	assert.Equal(t, "aavev3", third.Records[0].Key.Protocol)
	assert.Zero(t, third.Records[0].Snapshot.AgeHours)
	assert.Equal(t, types.GateAge, third.Records[0].Verdict.Gate)
}

func TestSweeper_RefreshesLiveAPY(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.tokens = map[string][]types.MarketToken{
		"usdc": {{Platform: "morpho", APYPct: 5.5}},
	}
	f.market.balances = []types.Balance{{Symbol: "USDC", Platform: "aavev3", BalanceUSD: 10000, APYPct: 3}}
	f.market.live = map[string]float64{"aavev3/usdc": 4.5}
	s := newSweeper(t, f, wallet)

	_, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, f.market.liveQueries)
	assert.Equal(t, []types.PositionQuery{{Protocol: "aavev3", Token: "usdc"}}, f.market.liveQueries[0])
	assert.Zero(t, f.market.liveBases[0].MinAPY)
	assert.Zero(t, f.market.liveBases[0].MinLiquidity)

	// At the live 4.5% the 1% improvement is too small; at the balance-reported 3% it would pass.
	f.now = t0.Add(48 * time.Hour)
	result, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, 4.5, result.Records[0].Snapshot.CurrentAPYPct)
	assert.Equal(t, types.GateImprovement, result.Records[0].Verdict.Gate)

	p, err := f.tracker.Store().Get(ctx, types.PositionKey{Owner: wallet, Protocol: "aavev3", Token: "USDC"})
	require.NoError(t, err)
	assert.Equal(t, 4.5, p.APYPct)

	// Without live data the balance APY is used.
	f.market.liveErr = errors.New("portals down")
	f.now = t0.Add(49 * time.Hour)
	result, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, 3.0, result.Records[0].Snapshot.CurrentAPYPct)
	assert.True(t, result.Records[0].Verdict.Viable)
	assert.Zero(t, result.Failures)
}

func TestSweeper_OwnerFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	f.market.balancesErr = errors.New("portals down")
	s := newSweeper(t, f, wallet, "0xdef")

	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failures)
	assert.Zero(t, result.Evaluated)
}

func TestSweeper_Start(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := newSweeper(t, f, wallet)
	require.NoError(t, s.Start(ctx, ScheduleOff))
	s.Stop()

	s = newSweeper(t, f, wallet)
	assert.Error(t, s.Start(ctx, "not a schedule"))

	s = newSweeper(t, f, wallet)
	require.NoError(t, s.Start(ctx, "@every 1h"))
	s.Stop()
}

func TestNewSweeper_RequiresDependencies(t *testing.T) {
	_, err := NewSweeper(SweeperConfig{})
	assert.Error(t, err)
}

func TestNamedTools(t *testing.T) {
	f := newFixture(t)
	named := NamedTools(f.deps)
	require.Len(t, named, 4)

	result, err := named[ToolNoFurtherActions].Execute(context.Background(), &core.ToolParams{
		Input: json.RawMessage(`{"reason": "holding", "wait_time": 60}`),
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 60, result.Data.(map[string]interface{})["wait_time_seconds"])
}
