package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/logger"
	"github.com/sentinel-pma/sentinel/internal/portals"
	"github.com/sentinel-pma/sentinel/internal/sentinel"
	"github.com/sentinel-pma/sentinel/internal/state"
	"github.com/sentinel-pma/sentinel/internal/types"
	"github.com/sentinel-pma/sentinel/internal/web"
)

const shutdownTimeout = 15 * time.Second

// backend bundles the storage chosen by STORE_BACKEND.
type backend struct {
	positions state.PositionStore
	evalLog   state.EvaluationLog
	counter   state.SweepCounter
	health    func(ctx context.Context) error
	db        *sql.DB
	close     func()
}

// main is the entry point for the sentinel service.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(config.LogLevel, config.LogFormat)
	log.Info().Msg("Sentinel Starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. Storage ---
	store, err := openBackend(ctx, config.StoreBackend)
	if err != nil {
		log.Fatal().Err(err).Str("backend", config.StoreBackend).Msg("Failed to initialize store backend")
	}
	defer store.close()

	// --- 3. Thresholds ---
	thresholds, err := loadThresholds(ctx, store.db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load reallocation thresholds")
	}
	log.Info().
		Float64("minApyImprovement", thresholds.MinAPYImprovementPct).
		Float64("minHoldingPeriodHours", thresholds.MinHoldingPeriodHours).
		Float64("minPositionValueUSD", thresholds.MinPositionValueUSD).
		Float64("estimatedGasCostUSD", thresholds.EstimatedGasCostUSD).
		Float64("minGainToCostRatio", thresholds.MinGainToCostRatio).
		Msg("Reallocation thresholds loaded successfully.")

	// --- 4. Data provider and engine ---
	portalsClient, err := portals.NewClient(portals.Config{
		BaseURL:  config.PortalsBaseURL,
		APIKey:   config.PortalsAPIKey,
		Network:  config.ChainName,
		CacheTTL: config.MarketCacheTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Portals client")
	}
	defer portalsClient.Close()

	tracker := state.NewTracker(store.positions, nil)
	evaluator, err := sentinel.NewEvaluator(tracker, store.evalLog, thresholds)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create evaluator")
	}

	marketQuery := config.DefaultMarketQuery(config.ChainName)

	sweeper, err := sentinel.NewSweeper(sentinel.SweeperConfig{
		Market:      portalsClient,
		Positions:   portalsClient,
		Evaluator:   evaluator,
		Counter:     store.counter,
		Owners:      config.OwnerAddresses,
		MarketQuery: marketQuery,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sweeper")
	}
	if err := sweeper.Start(ctx, config.SweepSchedule); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sweeper")
	}
	defer sweeper.Stop()

	// The agent tools act on behalf of the first configured owner.
	var agentWallet string
	if len(config.OwnerAddresses) > 0 {
		agentWallet = config.OwnerAddresses[0]
	} else {
		log.Warn().Msg("OWNER_ADDRESSES is empty: the sweep stays idle and the wallet tools have no wallet to act on")
	}
	tools := sentinel.NamedTools(&sentinel.ToolDeps{
		Market:        portalsClient,
		Evaluator:     evaluator,
		WalletAddress: agentWallet,
		MarketQuery:   marketQuery,
	})

	// --- 5. Web Server ---
	webServer := web.NewWebServer(web.Config{
		Port:        config.WebPort,
		Evaluator:   evaluator,
		Sweeper:     sweeper,
		Counter:     store.counter,
		HealthCheck: store.health,
		Tools:       tools,
		Prompt:      sentinel.SystemPrompt(agentWallet, thresholds),
	})
	go func() {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting sentinel API")
		if err := webServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Web server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Web server shutdown failed")
	}
	log.Info().Msg("Sentinel stopped")
}

// openBackend creates the position store, evaluation log and sweep counter for the named backend.
func openBackend(ctx context.Context, name string) (*backend, error) {
	switch name {
	case "postgres":
		db, err := state.OpenDB(ctx, config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := state.EnsureSchema(ctx, db); err != nil {
			state.CloseDB(db)
			return nil, err
		}
		return &backend{
			positions: state.NewPostgresStore(db),
			evalLog:   state.NewPostgresEvaluationLog(db),
			counter:   state.NewPostgresSweepCounter(db),
			health:    func(ctx context.Context) error { return state.PingDB(ctx, db) },
			db:        db,
			close:     func() { state.CloseDB(db) },
		}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, err
		}
		log.Info().Str("addr", config.RedisAddr).Msg("Connected to Redis")
		return &backend{
			positions: state.NewRedisStore(rdb, ""),
			evalLog:   state.NewMemoryEvaluationLog(config.EvaluationLogSize),
			counter:   &state.MemorySweepCounter{},
			health:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			close: func() {
				if err := rdb.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing Redis client")
				}
			},
		}, nil

	default:
		log.Warn().Msg("Using in-memory store. Position ages are lost on restart.")
		return &backend{
			positions: state.NewMemoryStore(),
			evalLog:   state.NewMemoryEvaluationLog(config.EvaluationLogSize),
			counter:   &state.MemorySweepCounter{},
			close:     func() {},
		}, nil
	}
}

// loadThresholds resolves the active thresholds: defaults, then the optional YAML file, then
// THRESHOLD_* environment overrides. With a database, the active stored set wins and the
// resolved set is saved when none exists yet.
func loadThresholds(ctx context.Context, db *sql.DB) (types.ThresholdSet, error) {
	thresholds := config.DefaultThresholds()
	if config.ThresholdsFile != "" {
		var err error
		thresholds, err = config.LoadThresholdsFile(config.ThresholdsFile)
		if err != nil {
			return types.ThresholdSet{}, err
		}
	}

	thresholds, err := config.ApplyThresholdEnv(thresholds)
	if err != nil {
		return types.ThresholdSet{}, err
	}

	if db == nil {
		return thresholds, nil
	}
	return state.NewThresholdStore(db).LoadOrInitThresholds(ctx, config.ThresholdsConfigName, thresholds)
}
