package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ladderbot/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Instrument
	Symbol            string
	Leverage          int
	PricePrecision    int32
	QuantityPrecision int32
	QuoteAsset        string // margin asset, e.g. "USDT"

	// Ladder Parameters
	BaseQuantity          float64 // level-0 order quantity in base asset
	FeeRate               float64 // taker fee fraction
	TakeProfitFeeMultiple float64 // k in takeProfit = avg * (1 + k*feeRate)
	DropFeeMultiple       float64 // m in rungPrice = lastFill * (1 - m*feeRate)
	LadderMultiplier      float64 // quantity growth per level
	MaxMartingaleLevels   int
	MarginSafetyFactor    float64
	SlippageTolerance     float64 // base fractional tolerance

	// Volatility / Cooldown
	VolatilityWindow    time.Duration
	VolatilityThreshold float64
	CooldownBase        time.Duration
	CooldownMultiplier  float64

	// Cache / Dedup
	CacheTTL            time.Duration
	CacheErrorThreshold int
	DedupWindow         time.Duration
	PriceCacheTTL       time.Duration // gateway ticker cache, also floors the sampling period

	// Reconciliation
	ReconcileMaxAttempts int
	ReconcilePollDelay   time.Duration

	// Stream
	KeepAliveInterval time.Duration
	SilenceThreshold  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	// Cycle pacing
	RestartDelay    time.Duration // pause between completed cycles
	TickInterval    time.Duration // price sampling / idle check period
	MaxCyclesPerDay int

	// Database
	DBPath string

	// Logging
	LogLevel   logger.LogLevel
	LogConsole bool // human-readable console output instead of JSON lines
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Instrument
	cfg.Symbol = getEnv("SYMBOL", "ETHUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDT")

	cfg.Leverage, err = getEnvAsIntRequired("LEVERAGE", 4)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEVERAGE: %v", err))
	} else if cfg.Leverage <= 0 {
		errs = append(errs, "LEVERAGE must be positive")
	}

	pricePrec := getEnvAsInt("PRICE_PRECISION", 2)
	if pricePrec < 0 {
		errs = append(errs, "PRICE_PRECISION cannot be negative")
	}
	cfg.PricePrecision = int32(pricePrec)

	qtyPrec := getEnvAsInt("QUANTITY_PRECISION", 4)
	if qtyPrec < 0 {
		errs = append(errs, "QUANTITY_PRECISION cannot be negative")
	}
	cfg.QuantityPrecision = int32(qtyPrec)

	// Ladder Parameters
	cfg.BaseQuantity, err = getEnvAsFloatRequired("BASE_QUANTITY", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BASE_QUANTITY: %v", err))
	} else if cfg.BaseQuantity <= 0 {
		errs = append(errs, "BASE_QUANTITY must be positive")
	}

	cfg.FeeRate, err = getEnvAsFloatRequired("FEE_RATE", 0.000064)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid FEE_RATE: %v", err))
	} else if cfg.FeeRate <= 0 || cfg.FeeRate >= 0.01 {
		errs = append(errs, "FEE_RATE must be a small positive fraction")
	}

	cfg.TakeProfitFeeMultiple = getEnvAsFloat("TAKE_PROFIT_FEE_MULTIPLE", 2)
	if cfg.TakeProfitFeeMultiple <= 0 {
		errs = append(errs, "TAKE_PROFIT_FEE_MULTIPLE must be positive")
	}

	cfg.DropFeeMultiple = getEnvAsFloat("DROP_FEE_MULTIPLE", 150)
	if cfg.DropFeeMultiple <= cfg.TakeProfitFeeMultiple {
		errs = append(errs, "DROP_FEE_MULTIPLE must exceed TAKE_PROFIT_FEE_MULTIPLE")
	}

	cfg.LadderMultiplier = getEnvAsFloat("LADDER_MULTIPLIER", 2.0)
	if cfg.LadderMultiplier < 1.0 {
		errs = append(errs, "LADDER_MULTIPLIER must be >= 1.0")
	}

	cfg.MaxMartingaleLevels = getEnvAsInt("MAX_MARTINGALE_LEVELS", 5)
	if cfg.MaxMartingaleLevels <= 0 {
		errs = append(errs, "MAX_MARTINGALE_LEVELS must be positive")
	}

	cfg.MarginSafetyFactor = getEnvAsFloat("MARGIN_SAFETY_FACTOR", 1.5)
	if cfg.MarginSafetyFactor < 1.0 {
		errs = append(errs, "MARGIN_SAFETY_FACTOR must be >= 1.0")
	}

	cfg.SlippageTolerance = getEnvAsFloat("SLIPPAGE_TOLERANCE", 0.002)
	if cfg.SlippageTolerance <= 0 || cfg.SlippageTolerance >= 1.0 {
		errs = append(errs, "SLIPPAGE_TOLERANCE must be between 0.0 and 1.0 (exclusive)")
	}

	// Volatility / Cooldown
	cfg.VolatilityWindow = secondsEnv("VOL_WINDOW_SECONDS", 60, &errs)
	cfg.VolatilityThreshold = getEnvAsFloat("VOL_THRESHOLD", 0.01)
	if cfg.VolatilityThreshold <= 0 {
		errs = append(errs, "VOL_THRESHOLD must be positive")
	}
	cfg.CooldownBase = secondsEnv("COOLDOWN_BASE_SECONDS", 300, &errs)
	cfg.CooldownMultiplier = getEnvAsFloat("COOLDOWN_MULTIPLIER", 3.0)
	if cfg.CooldownMultiplier < 1.0 {
		errs = append(errs, "COOLDOWN_MULTIPLIER must be >= 1.0")
	}

	// Cache / Dedup
	cfg.CacheTTL = secondsEnv("CACHE_TTL_SECONDS", 30, &errs)
	cfg.CacheErrorThreshold = getEnvAsInt("CACHE_ERROR_THRESHOLD", 3)
	if cfg.CacheErrorThreshold <= 0 {
		errs = append(errs, "CACHE_ERROR_THRESHOLD must be positive")
	}
	cfg.DedupWindow = secondsEnv("DEDUP_WINDOW_SECONDS", 30, &errs)
	cfg.PriceCacheTTL = secondsEnv("PRICE_CACHE_TTL_SECONDS", 10, &errs)

	// Reconciliation
	cfg.ReconcileMaxAttempts = getEnvAsInt("RECONCILE_MAX_ATTEMPTS", 5)
	if cfg.ReconcileMaxAttempts <= 0 {
		errs = append(errs, "RECONCILE_MAX_ATTEMPTS must be positive")
	}
	pollDelayMs := getEnvAsInt("RECONCILE_POLL_DELAY_MS", 500)
	if pollDelayMs <= 0 {
		errs = append(errs, "RECONCILE_POLL_DELAY_MS must be positive")
	}
	cfg.ReconcilePollDelay = time.Duration(pollDelayMs) * time.Millisecond

	// Stream
	cfg.KeepAliveInterval = secondsEnv("KEEPALIVE_INTERVAL_SECONDS", 900, &errs)
	cfg.SilenceThreshold = secondsEnv("STREAM_SILENCE_SECONDS", 60, &errs)
	cfg.BackoffBase = secondsEnv("BACKOFF_BASE_SECONDS", 1, &errs)
	cfg.BackoffMax = secondsEnv("BACKOFF_MAX_SECONDS", 120, &errs)
	if cfg.BackoffBase > cfg.BackoffMax {
		errs = append(errs, "BACKOFF_BASE_SECONDS must not exceed BACKOFF_MAX_SECONDS")
	}

	// Cycle pacing
	cfg.RestartDelay = secondsEnv("RESTART_DELAY_SECONDS", 10, &errs)
	cfg.TickInterval = secondsEnv("TICK_SECONDS", 5, &errs)
	cfg.MaxCyclesPerDay = getEnvAsInt("MAX_CYCLES_PER_DAY", 0) // 0 = unlimited

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/ladderbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogConsole = getEnvAsBool("LOG_CONSOLE", false)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func secondsEnv(key string, defaultSeconds int, errs *[]string) time.Duration {
	v := getEnvAsInt(key, defaultSeconds)
	if v <= 0 {
		*errs = append(*errs, key+" must be positive")
		v = defaultSeconds
	}
	return time.Duration(v) * time.Second
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
