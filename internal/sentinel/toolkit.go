package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-go-sdk/core"
	"github.com/becomeliminal/nim-go-sdk/tools"
	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/logger"
	"github.com/sentinel-pma/sentinel/internal/types"
	"github.com/sentinel-pma/sentinel/internal/utils"
)

var toolLogger = logger.GetForComponent("sentinel_tools")

// MarketDataProvider is the subset of the Portals client used by the tools and the sweep.
type MarketDataProvider interface {
	GetAccountBalances(ctx context.Context, owner string) ([]types.Balance, error)
	GetMarketData(ctx context.Context, query types.MarketQuery) ([]types.MarketToken, error)
}

// PositionDataProvider looks up the live market entry of held positions.
type PositionDataProvider interface {
	GetPositionData(ctx context.Context, queries []types.PositionQuery, base types.MarketQuery) ([]types.PositionMarketData, error)
}

// ToolDeps holds shared dependencies for all sentinel tools.
type ToolDeps struct {
	Market        MarketDataProvider
	Evaluator     *Evaluator
	WalletAddress string
	MarketQuery   types.MarketQuery
}

// ErrNoWallet is returned by the wallet tool when no owner address is configured.
var ErrNoWallet = errors.New("no wallet address configured")

// Tool names, in the order CreateTools returns them.
const (
	ToolGetWalletBalances          = "get_wallet_balances"
	ToolGetMarketData              = "get_market_data"
	ToolCheckReallocationViability = "check_reallocation_viability"
	ToolNoFurtherActions           = "no_further_actions"
)

// CreateTools returns the sentinel agent tools.
func CreateTools(deps *ToolDeps) []core.Tool {
	return []core.Tool{
		createGetWalletBalancesTool(deps),
		createGetMarketDataTool(deps),
		createCheckReallocationViabilityTool(deps),
		createNoFurtherActionsTool(deps),
	}
}

// NamedTools returns the sentinel tools keyed by name.
func NamedTools(deps *ToolDeps) map[string]core.Tool {
	names := []string{ToolGetWalletBalances, ToolGetMarketData, ToolCheckReallocationViability, ToolNoFurtherActions}
	out := make(map[string]core.Tool, len(names))
	for i, t := range CreateTools(deps) {
		out[names[i]] = t
	}
	return out
}

// ────────────────────────────────────────────────────────────────────────────
// get_wallet_balances
// ────────────────────────────────────────────────────────────────────────────

func createGetWalletBalancesTool(deps *ToolDeps) core.Tool {
	return tools.New(ToolGetWalletBalances).
		Description("Returns the current balances of your wallet: plain tokens and open protocol positions.").
		Schema(tools.ObjectSchema(map[string]interface{}{})).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			report, err := walletBalancesReport(ctx, deps)
			if err != nil {
				return &core.ToolResult{Success: false, Error: err.Error()}, nil
			}
			return &core.ToolResult{Success: true, Data: report}, nil
		}).
		Build()
}

// walletBalancesReport fetches the wallet's balances, records every open position in the tracker,
// forgets tracked positions the wallet no longer holds and renders the report returned to the agent.
func walletBalancesReport(ctx context.Context, deps *ToolDeps) (string, error) {
	address := deps.WalletAddress
	if address == "" {
		return "", ErrNoWallet
	}
	toolLogger.Info().Str("address", address).Msg("Fetching wallet balances")

	balances, err := deps.Market.GetAccountBalances(ctx, address)
	if err != nil {
		return "", fmt.Errorf("failed to fetch balances: %w", err)
	}

	tracker := deps.Evaluator.Tracker()
	var tokens, positions []string
	var held []types.PositionKey
	for _, b := range balances {
		if b.IsWalletToken() {
			tokens = append(tokens, fmt.Sprintf("[%s] balance: %s $%s) - price: $%s",
				b.Symbol, utils.FormatPlain(b.Amount), utils.FormatPlain(b.BalanceUSD), utils.FormatPlain(b.PriceUSD)))
			continue
		}

		key := types.PositionKey{Owner: address, Protocol: b.Platform, Token: b.Symbol}
		held = append(held, key)
		if err := tracker.Observe(ctx, key, b.BalanceUSD, b.APYPct); err != nil {
			toolLogger.Warn().Err(err).Str("protocol", b.Platform).Str("token", b.Symbol).Msg("Failed to record position")
		}
		positions = append(positions, fmt.Sprintf("[%s] balance: %s $%s) on protocol %s with APY %s%%",
			b.Symbol, utils.FormatPlain(b.Amount), utils.FormatPlain(b.BalanceUSD),
			strings.Replace(b.Platform, "-", " ", 1), utils.FormatPlain(b.APYPct)))
	}

	if _, err := tracker.Reconcile(ctx, address, held); err != nil {
		toolLogger.Warn().Err(err).Str("address", address).Msg("Failed to forget closed positions")
	}

	toolLogger.Info().Int("tokens", len(tokens)).Int("positions", len(positions)).Msg("Balances fetched")
	return fmt.Sprintf("This is the current status of the wallet with address %s:\nTokens:\n%s\nOpen positions:\n%s",
		address, strings.Join(tokens, "\n"), strings.Join(positions, "\n")), nil
}

// ────────────────────────────────────────────────────────────────────────────
// get_market_data
// ────────────────────────────────────────────────────────────────────────────

func createGetMarketDataTool(deps *ToolDeps) core.Tool {
	return tools.New(ToolGetMarketData).
		Description("Returns the current yield opportunities on approved protocols, with APY, risk, TVL and 7-day volume.").
		Schema(tools.ObjectSchema(map[string]interface{}{})).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			report, err := marketDataReport(ctx, deps)
			if err != nil {
				return &core.ToolResult{Success: false, Error: err.Error()}, nil
			}
			return &core.ToolResult{Success: true, Data: report}, nil
		}).
		Build()
}

func marketDataReport(ctx context.Context, deps *ToolDeps) (string, error) {
	query := deps.MarketQuery
	tokens, err := deps.Market.GetMarketData(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to fetch market data: %w", err)
	}

	label := strings.ToUpper(query.Search)
	if label == "" {
		label = "Market"
	}
	return fmt.Sprintf("These are the current market opportunities:\n\n%s Opportunities:\n%s", label, formatOpportunities(tokens)), nil
}

func formatOpportunities(tokens []types.MarketToken) string {
	if len(tokens) == 0 {
		return "No opportunities found"
	}
	lines := make([]string, 0, len(tokens))
	for _, t := range tokens {
		volume := "N/A"
		if t.HasVolume7d {
			volume = utils.FormatInMillions(t.Volume7dUSD, 2)
		}
		lines = append(lines, fmt.Sprintf("[%s] APY: %s%% - Risk: %s - TVL: %s - Volume 7d: %s",
			t.Name, utils.FormatPlain(t.APYPct), t.Risk, utils.FormatInMillions(t.LiquidityUSD, 2), volume))
	}
	return strings.Join(lines, "\n")
}

// ────────────────────────────────────────────────────────────────────────────
// check_reallocation_viability
// ────────────────────────────────────────────────────────────────────────────

type viabilityInput struct {
	CurrentProtocol string  `json:"current_protocol"`
	CurrentToken    string  `json:"current_token"`
	TargetProtocol  string  `json:"target_protocol"`
	TargetAPY       float64 `json:"target_apy"`
}

func createCheckReallocationViabilityTool(deps *ToolDeps) core.Tool {
	return tools.New(ToolCheckReallocationViability).
		Description("Checks whether reallocating funds from one protocol to another is economically viable. " +
			"Must be used before recommending any reallocation.").
		Schema(tools.ObjectSchema(map[string]interface{}{
			"current_protocol": tools.StringProperty("The protocol where funds are currently allocated"),
			"current_token":    tools.StringProperty("The token symbol (e.g., USDC)"),
			"target_protocol":  tools.StringProperty("The protocol where funds would be reallocated to"),
			"target_apy":       tools.NumberProperty("The APY of the target protocol (percentage)"),
		}, "current_protocol", "current_token", "target_protocol", "target_apy")).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			var input viabilityInput
			if err := json.Unmarshal(params.Input, &input); err != nil {
				return &core.ToolResult{Success: false, Error: "invalid input"}, nil
			}
			report, err := viabilityReport(ctx, deps, input)
			if err != nil {
				return &core.ToolResult{Success: false, Error: err.Error()}, nil
			}
			return &core.ToolResult{Success: true, Data: report}, nil
		}).
		Build()
}

func viabilityReport(ctx context.Context, deps *ToolDeps, in viabilityInput) (string, error) {
	toolLogger.Info().
		Str("from", in.CurrentProtocol).
		Str("to", in.TargetProtocol).
		Msg("Checking reallocation viability")

	key := types.PositionKey{Owner: deps.WalletAddress, Protocol: in.CurrentProtocol, Token: in.CurrentToken}
	candidate := types.ReallocationCandidate{TargetProtocol: in.TargetProtocol, TargetAPYPct: in.TargetAPY}

	record, err := deps.Evaluator.EvaluateTracked(ctx, key, candidate, SourceTool)
	if errors.Is(err, ErrPositionNotTracked) {
		return fmt.Sprintf("No existing position found for %s on %s. Cannot evaluate reallocation.", in.CurrentToken, in.CurrentProtocol), nil
	}
	if err != nil {
		return "", err
	}

	decision := "NOT VIABLE"
	if record.Verdict.Viable {
		decision = "VIABLE"
	}
	snap := record.Snapshot
	lines := []string{
		fmt.Sprintf("Reallocation Analysis: %s -> %s", in.CurrentProtocol, in.TargetProtocol),
		fmt.Sprintf("Current position: %s %s at %s%% APY", utils.FormatFixed(snap.CurrentValueUSD, 2), in.CurrentToken, utils.FormatFixed(snap.CurrentAPYPct, 2)),
		fmt.Sprintf("Position age: %s hours", utils.FormatFixed(snap.AgeHours, 1)),
		fmt.Sprintf("Target APY: %s%%", utils.FormatFixed(in.TargetAPY, 2)),
		fmt.Sprintf("APY improvement: %s%%", utils.FormatFixed(in.TargetAPY-snap.CurrentAPYPct, 2)),
		fmt.Sprintf("Decision: %s", decision),
		fmt.Sprintf("Reason: %s", record.Verdict.Reason),
	}

	toolLogger.Info().Str("decision", decision).Msg("Completed viability check")
	return strings.Join(lines, "\n"), nil
}

// ────────────────────────────────────────────────────────────────────────────
// no_further_actions
// ────────────────────────────────────────────────────────────────────────────

type noActionInput struct {
	Reason   string  `json:"reason"`
	WaitTime float64 `json:"wait_time"`
}

func createNoFurtherActionsTool(deps *ToolDeps) core.Tool {
	return tools.New(ToolNoFurtherActions).
		Description("Use when no further actions are needed. The wait time is how long to wait before the next check, in seconds.").
		Schema(tools.ObjectSchema(map[string]interface{}{
			"reason":    tools.StringProperty("The reason why no further actions are needed."),
			"wait_time": tools.NumberProperty("Seconds to wait before the next check. Use 3600 for hourly checks."),
		}, "reason", "wait_time")).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			var input noActionInput
			if err := json.Unmarshal(params.Input, &input); err != nil {
				return &core.ToolResult{Success: false, Error: "invalid input"}, nil
			}
			return &core.ToolResult{Success: true, Data: acknowledgeNoAction(input)}, nil
		}).
		Build()
}

func acknowledgeNoAction(in noActionInput) map[string]interface{} {
	wait := int(in.WaitTime)
	if wait <= 0 {
		wait = config.DefaultNoActionWaitTimeS
	}
	toolLogger.Info().Str("reason", in.Reason).Int("waitTimeS", wait).Msg("No further actions")
	return map[string]interface{}{
		"acknowledged":      true,
		"reason":            in.Reason,
		"wait_time_seconds": wait,
	}
}
