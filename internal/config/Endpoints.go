package config

import (
	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// PortalsBaseURL is the base URL of the Portals v2 API.
	PortalsBaseURL string
	// PortalsAPIKey is the bearer token sent to the Portals API.
	PortalsAPIKey string

	// RedisAddr is the address of the Redis server used by the redis store backend.
	RedisAddr string
	// RedisPassword is the optional Redis password.
	RedisPassword string

	// DatabaseURL is the lib/pq connection string used by the postgres store backend.
	DatabaseURL string
)

// DefaultPortalsBaseURL is the public Portals API.
const DefaultPortalsBaseURL = "https://api.portals.fi"

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	PortalsAPIKey, err = getEnv("PORTALS_API_KEY")
	if err != nil {
		return err
	}

	PortalsBaseURL = getEnvOrDefault("PORTALS_BASE_URL", DefaultPortalsBaseURL)
	RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	RedisPassword = getEnvOrDefault("REDIS_PASSWORD", "")
	DatabaseURL = getEnvOrDefault("DATABASE_URL",
		"host=localhost port=5432 user=postgres password=postgres dbname=sentinel sslmode=disable")

	log.Debug().
		Str("PortalsBaseURL", PortalsBaseURL).
		Str("RedisAddr", RedisAddr).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}
