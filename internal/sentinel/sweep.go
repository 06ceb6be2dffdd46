package sentinel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/logger"
	"github.com/sentinel-pma/sentinel/internal/metrics"
	"github.com/sentinel-pma/sentinel/internal/state"
	"github.com/sentinel-pma/sentinel/internal/types"
)

// ScheduleOff disables the scheduled sweep.
const ScheduleOff = "off"

// SweeperConfig holds the dependencies of a Sweeper.
type SweeperConfig struct {
	Market      MarketDataProvider
	Positions   PositionDataProvider // Optional; refreshes the APY of held positions from live market data
	Evaluator   *Evaluator
	Counter     state.SweepCounter
	Owners      []string
	MarketQuery types.MarketQuery
	Timeout     time.Duration // Per-sweep deadline; zero means 5 minutes
}

// Sweeper periodically refreshes every owner's positions and evaluates each one against
// the best opportunity for the same token on another approved protocol.
type Sweeper struct {
	logger    zerolog.Logger
	market    MarketDataProvider
	positions PositionDataProvider
	evaluator *Evaluator
	counter   state.SweepCounter
	owners    []string
	query     types.MarketQuery
	timeout   time.Duration
	cron      *cron.Cron
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Sweep     int                      `json:"sweep"`
	SweepID   string                   `json:"sweep_id"`
	Evaluated int                      `json:"evaluated"`
	Viable    int                      `json:"viable"`
	Failures  int                      `json:"failures"`
	Records   []types.EvaluationRecord `json:"records"`
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Market == nil {
		return nil, fmt.Errorf("market data provider cannot be nil")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator cannot be nil")
	}
	if cfg.Counter == nil {
		return nil, fmt.Errorf("sweep counter cannot be nil")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Sweeper{
		logger:    logger.GetForComponent("sweeper"),
		market:    cfg.Market,
		positions: cfg.Positions,
		evaluator: cfg.Evaluator,
		counter:   cfg.Counter,
		owners:    cfg.Owners,
		query:     cfg.MarketQuery,
		timeout:   timeout,
	}, nil
}

// Start schedules RunOnce on the given cron expression. ScheduleOff or an empty expression leaves the sweeper idle.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" || strings.EqualFold(schedule, ScheduleOff) {
		s.logger.Info().Msg("Scheduled sweep disabled")
		return nil
	}
	if len(s.owners) == 0 {
		s.logger.Warn().Msg("No owner addresses configured, scheduled sweep disabled")
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if _, err := s.RunOnce(sweepCtx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info().Str("schedule", schedule).Strs("owners", s.owners).Msg("Scheduled reallocation sweep")
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Sweep scheduler stopped")
}

// RunOnce runs a sweep over every configured owner. Per-owner failures are logged and counted;
// only a failure to obtain a sweep number aborts the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	sweep, err := s.counter.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sweep number: %w", err)
	}
	result := &SweepResult{Sweep: sweep, SweepID: uuid.New().String()}
	sweepLogger := s.logger.With().Int("sweep", sweep).Str("sweep_id", result.SweepID).Logger()
	sweepLogger.Info().Int("owners", len(s.owners)).Msg("--- Starting reallocation sweep ---")

	for _, owner := range s.owners {
		if err := s.sweepOwner(ctx, owner, result, sweepLogger); err != nil {
			result.Failures++
			sweepLogger.Error().Err(err).Str("owner", owner).Msg("Owner sweep aborted")
		}
	}

	sweepLogger.Info().
		Int("evaluated", result.Evaluated).
		Int("viable", result.Viable).
		Int("failures", result.Failures).
		Str("duration", time.Since(start).String()).
		Msg("--- Reallocation sweep completed ---")
	return result, nil
}

func (s *Sweeper) sweepOwner(ctx context.Context, owner string, result *SweepResult, sweepLogger zerolog.Logger) error {
	tracker := s.evaluator.Tracker()
	ownerLogger := sweepLogger.With().Str("owner", owner).Logger()

	ownerLogger.Info().Msg("Step 1: Refreshing positions...")
	balances, err := s.market.GetAccountBalances(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to fetch balances: %w", err)
	}
	var held []types.PositionKey
	for _, b := range balances {
		if b.IsWalletToken() {
			continue
		}
		key := types.PositionKey{Owner: owner, Protocol: b.Platform, Token: b.Symbol}
		held = append(held, key)
		if err := tracker.Observe(ctx, key, b.BalanceUSD, b.APYPct); err != nil {
			ownerLogger.Warn().Err(err).Str("protocol", b.Platform).Str("token", b.Symbol).Msg("Failed to observe position")
		}
	}

	// Positions missing from the fetch were exited and must not be evaluated.
	positions, err := tracker.Reconcile(ctx, owner, held)
	if err != nil {
		return fmt.Errorf("failed to reconcile tracked positions: %w", err)
	}
	metrics.TrackedPositions.WithLabelValues(owner).Set(float64(len(positions)))
	ownerLogger.Info().Int("positions", len(positions)).Msg("Step 1: Positions refreshed.")

	s.refreshLiveAPY(ctx, positions, ownerLogger)

	ownerLogger.Info().Msg("Step 2: Evaluating positions against market...")
	opportunities := make(map[string][]types.MarketToken)
	for _, p := range positions {
		token := strings.ToLower(p.Token)
		tokens, ok := opportunities[token]
		if !ok {
			q := s.query
			q.Search = token
			tokens, err = s.market.GetMarketData(ctx, q)
			if err != nil {
				result.Failures++
				ownerLogger.Error().Err(err).Str("token", p.Token).Msg("Failed to fetch market data")
				continue
			}
			opportunities[token] = tokens
		}

		best, found := BestOpportunity(tokens, p.Protocol)
		if !found {
			ownerLogger.Debug().Str("protocol", p.Protocol).Str("token", p.Token).Msg("No alternative opportunity")
			continue
		}

		candidate := types.ReallocationCandidate{TargetProtocol: best.Platform, TargetAPYPct: best.APYPct}
		record, err := s.evaluator.EvaluateTracked(ctx, p.PositionKey, candidate, SourceSweep)
		if err != nil {
			result.Failures++
			ownerLogger.Error().Err(err).Str("protocol", p.Protocol).Str("token", p.Token).Msg("Evaluation failed")
			continue
		}
		result.Evaluated++
		if record.Verdict.Viable {
			result.Viable++
		}
		result.Records = append(result.Records, *record)
	}
	ownerLogger.Info().Int("evaluated", result.Evaluated).Msg("Step 2: Evaluation complete.")
	return nil
}

// refreshLiveAPY replaces the balance-reported APY of each position with the APY of its market
// entry when the provider has one. Lookup failures keep the balance APY.
func (s *Sweeper) refreshLiveAPY(ctx context.Context, positions []types.TrackedPosition, ownerLogger zerolog.Logger) {
	if s.positions == nil || len(positions) == 0 {
		return
	}

	queries := make([]types.PositionQuery, len(positions))
	for i, p := range positions {
		queries[i] = types.PositionQuery{Protocol: p.Protocol, Token: p.Token}
	}
	// A held position is looked up whatever its APY or liquidity.
	base := s.query
	base.MinAPY = 0
	base.MinLiquidity = 0

	data, err := s.positions.GetPositionData(ctx, queries, base)
	if err != nil {
		ownerLogger.Warn().Err(err).Msg("Failed to fetch live position data, keeping balance APY")
		return
	}

	tracker := s.evaluator.Tracker()
	for i := range positions {
		if i >= len(data) {
			break
		}
		entry, ok := matchPositionEntry(data[i].Tokens, positions[i].Protocol, positions[i].Token)
		if !ok || entry.APYPct == positions[i].APYPct {
			continue
		}
		p := &positions[i]
		if err := tracker.Observe(ctx, p.PositionKey, p.ValueUSD, entry.APYPct); err != nil {
			ownerLogger.Warn().Err(err).Str("protocol", p.Protocol).Str("token", p.Token).Msg("Failed to refresh position APY")
			continue
		}
		ownerLogger.Debug().
			Str("protocol", p.Protocol).
			Str("token", p.Token).
			Float64("balanceApy", p.APYPct).
			Float64("liveApy", entry.APYPct).
			Msg("Refreshed position APY")
		p.APYPct = entry.APYPct
	}
}

// matchPositionEntry finds the market entry for token on protocol.
func matchPositionEntry(tokens []types.MarketToken, protocol, token string) (types.MarketToken, bool) {
	for _, t := range tokens {
		if strings.EqualFold(t.Platform, protocol) && strings.EqualFold(t.Symbol, token) {
			return t, true
		}
	}
	return types.MarketToken{}, false
}

// BestOpportunity returns the highest-APY token on an approved protocol other than currentProtocol.
// Ties keep the first token in provider order.
func BestOpportunity(tokens []types.MarketToken, currentProtocol string) (types.MarketToken, bool) {
	var best types.MarketToken
	found := false
	for _, t := range tokens {
		if strings.EqualFold(t.Platform, currentProtocol) || !config.IsApprovedProtocol(t.Platform) {
			continue
		}
		if !found || t.APYPct > best.APYPct {
			best = t
			found = true
		}
	}
	return best, found
}
