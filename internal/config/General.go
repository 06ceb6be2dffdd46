package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// OwnerAddresses are the wallet addresses whose positions are tracked by the sweep.
	OwnerAddresses []string

	// ChainName is the single network the sentinel operates on (e.g., "base").
	ChainName string

	// LogLevel is the zerolog level name ("debug", "info", "warn", "error").
	LogLevel string
	// LogFormat is "console" or "json".
	LogFormat string

	// WebPort is the port of the HTTP API.
	WebPort string

	// StoreBackend selects the position store: "memory", "postgres" or "redis".
	StoreBackend string

	// SweepSchedule is the cron expression of the background reallocation sweep. "off" disables it.
	SweepSchedule string

	// ThresholdsFile is an optional YAML file overriding the default thresholds.
	ThresholdsFile string

	// ThresholdsConfigName is the name under which threshold sets are versioned in Postgres.
	ThresholdsConfigName string

	// MarketCacheTTL is how long market data responses are reused.
	MarketCacheTTL time.Duration

	// EvaluationLogSize bounds the in-memory evaluation log.
	EvaluationLogSize int
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Only the Portals API key is required; everything else has a default.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	OwnerAddresses = splitList(getEnvOrDefault("OWNER_ADDRESSES", ""))
	ChainName = getEnvOrDefault("CHAIN_NAME", "base")
	LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	LogFormat = getEnvOrDefault("LOG_FORMAT", "console")
	WebPort = getEnvOrDefault("WEB_PORT", "8080")
	SweepSchedule = getEnvOrDefault("SWEEP_SCHEDULE", "@every 1h")
	ThresholdsFile = getEnvOrDefault("THRESHOLDS_FILE", "")
	ThresholdsConfigName = getEnvOrDefault("THRESHOLDS_CONFIG_NAME", "default")

	StoreBackend = strings.ToLower(getEnvOrDefault("STORE_BACKEND", "memory"))
	switch StoreBackend {
	case "memory", "postgres", "redis":
	default:
		return errors.New("environment variable STORE_BACKEND must be one of memory, postgres, redis, got: " + StoreBackend)
	}

	MarketCacheTTL, err = getEnvAsDuration("MARKET_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return err
	}

	EvaluationLogSize, err = getEnvAsInt("EVALUATION_LOG_SIZE", 1000)
	if err != nil {
		return err
	}

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	log.Debug().
		Strs("OwnerAddresses", OwnerAddresses).
		Str("ChainName", ChainName).
		Str("StoreBackend", StoreBackend).
		Str("SweepSchedule", SweepSchedule).
		Dur("MarketCacheTTL", MarketCacheTTL).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOrDefault retrieves a string environment variable, falling back to def when unset or empty.
func getEnvOrDefault(key, def string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return def
}

// getEnvAsInt retrieves an environment variable as an int, falling back to def when unset.
func getEnvAsInt(key string, def int) (int, error) {
	valueStr := getEnvOrDefault(key, "")
	if valueStr == "" {
		return def, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration retrieves an environment variable as a time.Duration, falling back to def when unset.
func getEnvAsDuration(key string, def time.Duration) (time.Duration, error) {
	valueStr := getEnvOrDefault(key, "")
	if valueStr == "" {
		return def, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid duration, got: " + valueStr)
	}
	return value, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
