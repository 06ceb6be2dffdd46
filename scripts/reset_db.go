package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/logger"
	"github.com/sentinel-pma/sentinel/internal/state"
)

func main() {
	// Initialize logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger.Initialize(logLevel, os.Getenv("LOG_FORMAT"))
	log.Info().Msg("Starting database reset script...")

	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found or error loading .env file. Relying on OS environment variables.")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal().Msg("DATABASE_URL environment variable not set.")
	}

	ctx := context.Background()
	db, err := state.OpenDB(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database connection")
	}
	defer state.CloseDB(db)

	log.Info().Msg("Connected to database. Attempting to drop all tables...")
	if err := state.DropSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to drop tables")
	}
	log.Info().Msg("Successfully dropped all tables")

	// Recreate the schema
	log.Info().Msg("Recreating database schema...")
	if err := state.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to recreate schema")
	}

	// Seed the default thresholds so the service starts from a known active set
	name := os.Getenv("THRESHOLDS_CONFIG_NAME")
	if name == "" {
		name = "default"
	}
	if _, err := state.NewThresholdStore(db).SaveThresholds(ctx, config.DefaultThresholds(), name, 1, true); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed default thresholds")
	}

	log.Info().Str("config", name).Msg("Database reset completed successfully!")
}
