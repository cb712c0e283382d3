// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables
// (.env file) and validating the resulting settings surface: mode, bankroll,
// risk ratios, execution-gate thresholds, and cycle timings.
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables, applying spec defaults for anything unset
// 3. Validate
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/aristath/weatheredge/internal/errs"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Mode    domain.Mode // SHADOW, PAPER, or LIVE
	DataDir string      // base directory for the SQLite databases
	LogLevel string
	Pretty   bool
	Port     int // HTTP port for the public read model

	Bankroll float64

	MaxTradeRiskPct       float64 // fraction of bankroll at risk per trade
	MaxCityExposurePct    float64
	MaxClusterExposurePct float64
	MaxDailyLossPct       float64

	SpreadMaxCents       int
	LiquidityMin         int
	MinLiquidityMultiple float64
	MinEdgeAfterCosts    float64
	MaxUncertainty       float64

	CycleInterval       time.Duration
	ErrorSleep          time.Duration
	WeatherCacheTTL     time.Duration
	WeatherStaleCeiling time.Duration
	RepriceInterval     time.Duration
	MaxChaseCents       int

	PublicDelay time.Duration

	MaxContractsPerTrade int
	CityWorkerPoolSize   int
	HTTPTimeout          time.Duration
	CycleBudget          time.Duration

	ExchangeBaseURL         string
	ExchangeWSURL           string
	ExchangeAPIKeyID        string
	ExchangePrivateKey      string
	ExchangeRateLimitPerSec float64

	WeatherBaseURL         string
	WeatherAPIKey          string
	WeatherRateLimitPerSec float64

	ConfirmLive bool // required to be true when Mode == LIVE
}

// Load reads configuration from environment variables.
//
// godotenv.Load() returns an error if .env doesn't exist, which is fine
// and silently ignored — production deploys set real environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %v", errs.ErrConfig, err)
	}

	cfg := &Config{
		Mode:     domain.Mode(getEnv("MODE", string(domain.ModeShadow))),
		DataDir:  dataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvAsBool("LOG_PRETTY", false),
		Port:     getEnvAsInt("PORT", 8080),

		Bankroll: getEnvAsFloat("BANKROLL", 1000.0),

		MaxTradeRiskPct:       getEnvAsFloat("MAX_TRADE_RISK_PCT", 0.02),
		MaxCityExposurePct:    getEnvAsFloat("MAX_CITY_EXPOSURE_PCT", 0.03),
		MaxClusterExposurePct: getEnvAsFloat("MAX_CLUSTER_EXPOSURE_PCT", 0.05),
		MaxDailyLossPct:       getEnvAsFloat("MAX_DAILY_LOSS_PCT", 0.05),

		SpreadMaxCents:       getEnvAsInt("SPREAD_MAX_CENTS", 4),
		LiquidityMin:         getEnvAsInt("LIQUIDITY_MIN", 200),
		MinLiquidityMultiple: getEnvAsFloat("MIN_LIQUIDITY_MULTIPLE", 5.0),
		MinEdgeAfterCosts:    getEnvAsFloat("MIN_EDGE_AFTER_COSTS", 0.03),
		MaxUncertainty:       getEnvAsFloat("MAX_UNCERTAINTY", 0.30),

		CycleInterval:       time.Duration(getEnvAsInt("CYCLE_INTERVAL_SEC", 60)) * time.Second,
		ErrorSleep:          time.Duration(getEnvAsInt("ERROR_SLEEP_SEC", 5)) * time.Second,
		WeatherCacheTTL:     time.Duration(getEnvAsInt("WEATHER_CACHE_TTL_SEC", 300)) * time.Second,
		WeatherStaleCeiling: time.Duration(getEnvAsInt("WEATHER_STALE_CEILING_SEC", 1800)) * time.Second,
		RepriceInterval:     time.Duration(getEnvAsInt("REPRICE_INTERVAL_SEC", 120)) * time.Second,
		MaxChaseCents:       getEnvAsInt("MAX_CHASE_CENTS", 6),

		PublicDelay: time.Duration(getEnvAsInt("PUBLIC_DELAY_SEC", 3600)) * time.Second,

		MaxContractsPerTrade: getEnvAsInt("MAX_CONTRACTS_PER_TRADE", 500),
		CityWorkerPoolSize:   getEnvAsInt("CITY_WORKER_POOL_SIZE", 10),
		HTTPTimeout:          time.Duration(getEnvAsInt("HTTP_TIMEOUT_SEC", 10)) * time.Second,
		CycleBudget:          time.Duration(getEnvAsInt("CYCLE_BUDGET_SEC", 30)) * time.Second,

		ExchangeBaseURL:         getEnv("EXCHANGE_BASE_URL", ""),
		ExchangeWSURL:           getEnv("EXCHANGE_WS_URL", ""),
		ExchangeAPIKeyID:        getEnv("EXCHANGE_API_KEY_ID", ""),
		ExchangePrivateKey:      getEnv("EXCHANGE_PRIVATE_KEY", ""),
		ExchangeRateLimitPerSec: getEnvAsFloat("EXCHANGE_RATE_LIMIT_PER_SEC", 10.0),

		WeatherBaseURL:         getEnv("WEATHER_BASE_URL", "https://api.weather.gov"),
		WeatherAPIKey:          getEnv("WEATHER_API_KEY", ""),
		WeatherRateLimitPerSec: getEnvAsFloat("WEATHER_RATE_LIMIT_PER_SEC", 1.0),

		ConfirmLive: getEnvAsBool("CONFIRM_LIVE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces the configuration invariants the engine depends on:
// ratios in [0,1], a LIVE mode that cannot run without explicit
// operator confirmation, and exchange credentials in every mode other
// than SHADOW.
func (c *Config) Validate() error {
	for name, v := range map[string]float64{
		"MAX_TRADE_RISK_PCT":       c.MaxTradeRiskPct,
		"MAX_CITY_EXPOSURE_PCT":    c.MaxCityExposurePct,
		"MAX_CLUSTER_EXPOSURE_PCT": c.MaxClusterExposurePct,
		"MAX_DAILY_LOSS_PCT":       c.MaxDailyLossPct,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in [0,1], got %v", errs.ErrConfig, name, v)
		}
	}

	switch c.Mode {
	case domain.ModeShadow, domain.ModePaper, domain.ModeLive:
	default:
		return fmt.Errorf("%w: unknown mode %q", errs.ErrConfig, c.Mode)
	}

	if c.Mode == domain.ModeLive && !c.ConfirmLive {
		return fmt.Errorf("%w: LIVE mode requires --confirm-live", errs.ErrConfig)
	}

	if c.Mode != domain.ModeShadow && (c.ExchangeAPIKeyID == "" || c.ExchangePrivateKey == "") {
		return fmt.Errorf("%w: exchange credentials are required outside SHADOW mode", errs.ErrConfig)
	}

	if c.Bankroll <= 0 {
		return fmt.Errorf("%w: bankroll must be positive", errs.ErrConfig)
	}

	return nil
}

// getEnv retrieves an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float with a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
