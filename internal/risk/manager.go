package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"ladderbot/internal/ports"
)

// Config holds the strategy constants for ladder sizing and pricing. Fee
// multipliers, the ladder multiplier and the anomaly thresholds are
// empirically tuned values carried as configuration, not re-derived.
type Config struct {
	Leverage              int
	FeeRate               float64 // taker fee fraction, e.g. 0.000064
	TakeProfitFeeMultiple float64 // k: take-profit clears k round-trip fees
	DropFeeMultiple       float64 // m: rung price drop in fee units
	LadderMultiplier      float64 // quantity growth per martingale level
	MaxLevels             int
	BaseQuantity          float64 // level-0 order quantity
	MarginSafetyFactor    float64 // required margin headroom multiple
	BaseSlippageTolerance float64 // fractional, at zero volatility
	VolatilityThreshold   float64 // same threshold the cooldown gate uses
	PricePrecision        int32
	QuantityPrecision     int32
	Logger                ports.Logger
}

// Manager computes rung prices, quantities and margin requirements for the
// martingale ladder, and classifies fill prices against expected prices.
type Manager struct {
	cfg Config
}

// New creates a risk manager. Zero-valued tunables get conservative defaults.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for risk manager")
	}
	if cfg.FeeRate <= 0 || cfg.BaseQuantity <= 0 {
		return nil, fmt.Errorf("fee rate and base quantity must be positive: %w", ports.ErrConfigurationError)
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.TakeProfitFeeMultiple <= 0 {
		cfg.TakeProfitFeeMultiple = 2
	}
	if cfg.DropFeeMultiple <= 0 {
		cfg.DropFeeMultiple = 150
	}
	if cfg.LadderMultiplier <= 0 {
		cfg.LadderMultiplier = 2.0
	}
	if cfg.MaxLevels <= 0 {
		cfg.MaxLevels = 5
	}
	if cfg.MarginSafetyFactor < 1 {
		cfg.MarginSafetyFactor = 1.5
	}
	if cfg.BaseSlippageTolerance <= 0 {
		cfg.BaseSlippageTolerance = 0.002
	}
	return &Manager{cfg: cfg}, nil
}

// TakeProfitPrice returns the fee-clearing exit price for the current
// average entry, rounded to the configured price precision.
func (m *Manager) TakeProfitPrice(avgEntry float64) float64 {
	raw := avgEntry * (1 + m.cfg.TakeProfitFeeMultiple*m.cfg.FeeRate)
	return m.RoundPrice(raw)
}

// NextRungPrice returns the next ladder buy price dropped proportionally
// from the last relevant fill, rounded to the configured price precision.
func (m *Manager) NextRungPrice(lastFill float64) float64 {
	raw := lastFill * (1 - m.cfg.DropFeeMultiple*m.cfg.FeeRate)
	return m.RoundPrice(raw)
}

// RungQuantity returns the order quantity for a martingale level:
// base quantity scaled by multiplier^level, rounded to quantity precision.
func (m *Manager) RungQuantity(level int) float64 {
	if level < 0 {
		level = 0
	}
	raw := m.cfg.BaseQuantity * math.Pow(m.cfg.LadderMultiplier, float64(level))
	return m.RoundQuantity(raw)
}

// MaxLevels exposes the configured ladder depth.
func (m *Manager) MaxLevels() int {
	return m.cfg.MaxLevels
}

// CanAffordRung reports whether available balance covers the margin for the
// rung at the given level and price, with the safety multiple applied.
// Returns ErrInsufficientFunds when it does not.
func (m *Manager) CanAffordRung(ctx context.Context, balance, price float64, level int) error {
	qty := m.RungQuantity(level)
	required := qty * price / float64(m.cfg.Leverage) * m.cfg.MarginSafetyFactor
	if balance < required {
		m.cfg.Logger.Warn(ctx, "CanAffordRung: margin insufficient for next rung", map[string]interface{}{
			"level":    level,
			"required": required,
			"balance":  balance,
		})
		return fmt.Errorf("rung level %d requires %.4f margin, have %.4f: %w",
			level, required, balance, ports.ErrInsufficientFunds)
	}
	return nil
}

// SlippageTolerance returns the acceptable fractional deviation between an
// expected and a filled price, widened as volatility rises.
func (m *Manager) SlippageTolerance(volatility float64) float64 {
	if m.cfg.VolatilityThreshold <= 0 || volatility <= 0 {
		return m.cfg.BaseSlippageTolerance
	}
	return m.cfg.BaseSlippageTolerance * (1 + volatility/m.cfg.VolatilityThreshold)
}

// SizeFactor returns the position-size scale-down factor for the current
// volatility: 1.0 in calm markets, shrinking toward 0.5 as volatility
// approaches the cooldown threshold.
func (m *Manager) SizeFactor(volatility float64) float64 {
	if m.cfg.VolatilityThreshold <= 0 || volatility <= 0 {
		return 1.0
	}
	f := 1.0 - volatility/(2*m.cfg.VolatilityThreshold)
	return math.Max(0.5, f)
}

// IsPricingAnomaly reports whether a filled price deviates from the expected
// price by more than twice the volatility-adjusted slippage tolerance.
func (m *Manager) IsPricingAnomaly(expected, filled, volatility float64) bool {
	if expected <= 0 {
		return false
	}
	dev := math.Abs(filled-expected) / expected
	return dev > 2*m.SlippageTolerance(volatility)
}

// ClampLevel applies the anomaly de-risking rule: the level only ever moves
// down, never up, and never below zero.
func (m *Manager) ClampLevel(level int) int {
	if level <= 0 {
		return 0
	}
	return level - 1
}

// RoundPrice rounds a price to the configured precision.
func (m *Manager) RoundPrice(p float64) float64 {
	f, _ := decimal.NewFromFloat(p).Round(m.cfg.PricePrecision).Float64()
	return f
}

// RoundQuantity rounds a quantity to the configured precision.
func (m *Manager) RoundQuantity(q float64) float64 {
	f, _ := decimal.NewFromFloat(q).Round(m.cfg.QuantityPrecision).Float64()
	return f
}

// FormatPrice renders a price as the fixed-precision string the exchange
// API expects.
func (m *Manager) FormatPrice(p float64) string {
	return decimal.NewFromFloat(p).Round(m.cfg.PricePrecision).StringFixed(m.cfg.PricePrecision)
}

// FormatQuantity renders a quantity as a fixed-precision string.
func (m *Manager) FormatQuantity(q float64) string {
	return decimal.NewFromFloat(q).Round(m.cfg.QuantityPrecision).StringFixed(m.cfg.QuantityPrecision)
}
