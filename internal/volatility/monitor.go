package volatility

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"ladderbot/internal/ports"
)

// Config holds configuration for the volatility monitor.
type Config struct {
	Symbol             string
	Window             time.Duration // sample retention window (e.g. 60s)
	Threshold          float64       // mean fractional step that triggers a cooldown
	CooldownBase       time.Duration // base cooldown period
	CooldownMultiplier float64       // cap on the cooldown scaling factor
	DirectionalRatio   float64       // rise/drop ratio considered one-sided
	Exchange           ports.ExchangeClient
	Logger             ports.Logger
}

type sample struct {
	price float64
	at    time.Time
}

// Monitor maintains a rolling price-sample window, estimates short-term
// volatility, and gates new entries behind a cooldown when the estimate
// crosses the threshold.
type Monitor struct {
	cfg   Config
	nowFn func() time.Time

	mu            sync.Mutex
	samples       []sample
	cooldownUntil time.Time
}

// New creates a volatility monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for volatility monitor")
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("volatility threshold must be positive")
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 5 * time.Minute
	}
	if cfg.CooldownMultiplier <= 0 {
		cfg.CooldownMultiplier = 3.0
	}
	if cfg.DirectionalRatio <= 0 {
		cfg.DirectionalRatio = 2.0
	}
	return &Monitor{cfg: cfg, nowFn: time.Now}, nil
}

// RecordPrice appends a sample and prunes entries older than the window.
func (m *Monitor) RecordPrice(price float64, now time.Time) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample{price: price, at: now})
	m.prune(now)
}

// EstimateVolatility returns the mean absolute fractional price change
// between consecutive samples in the window, 0 with fewer than 2 samples.
// Strongly one-sided moves are up-weighted: a directional slide is riskier
// for a long-only ladder than mean-reverting noise of the same magnitude.
func (m *Monitor) EstimateVolatility() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.nowFn())

	if len(m.samples) < 2 {
		return 0
	}

	var sum, maxRise, maxDrop float64
	for i := 1; i < len(m.samples); i++ {
		prev := m.samples[i-1].price
		step := (m.samples[i].price - prev) / prev
		sum += math.Abs(step)
		if step > maxRise {
			maxRise = step
		}
		if -step > maxDrop {
			maxDrop = -step
		}
	}
	vol := sum / float64(len(m.samples)-1)

	if oneSided(maxRise, maxDrop, m.cfg.DirectionalRatio) {
		vol *= 1.2
	}
	return vol
}

// ShouldCooldown reports whether the estimate warrants gating new entries.
func (m *Monitor) ShouldCooldown(vol float64) bool {
	return vol > m.cfg.Threshold
}

// ActivateCooldown schedules the cooldown end, scaled by how far the
// estimate exceeds the threshold (capped at the configured multiplier), and
// fires a best-effort cancel of all open orders for the symbol. The cancel
// is advisory: the next reconciliation pass is the real barrier.
func (m *Monitor) ActivateCooldown(ctx context.Context, vol float64) time.Duration {
	scale := math.Min(m.cfg.CooldownMultiplier, vol/m.cfg.Threshold)
	if scale < 1 {
		scale = 1
	}
	d := time.Duration(float64(m.cfg.CooldownBase) * scale)

	m.mu.Lock()
	m.cooldownUntil = m.nowFn().Add(d)
	m.mu.Unlock()

	m.cfg.Logger.Warn(ctx, "cooldown activated", map[string]interface{}{
		"symbol": m.cfg.Symbol, "volatility": vol, "threshold": m.cfg.Threshold, "duration": d.String()})

	if m.cfg.Exchange != nil {
		go func() {
			if err := m.cfg.Exchange.CancelAllOrders(context.Background(), m.cfg.Symbol); err != nil {
				m.cfg.Logger.Warn(context.Background(), "cooldown cancel-all failed", map[string]interface{}{
					"symbol": m.cfg.Symbol, "error": err.Error()})
			}
		}()
	}
	return d
}

// InCooldown reports whether entries are currently gated.
func (m *Monitor) InCooldown(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Before(m.cooldownUntil)
}

// CooldownRemaining returns how long the gate stays closed, 0 if open.
func (m *Monitor) CooldownRemaining(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !now.Before(m.cooldownUntil) {
		return 0
	}
	return m.cooldownUntil.Sub(now)
}

// prune drops samples older than the window. Caller holds the lock.
func (m *Monitor) prune(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}

// oneSided reports whether rises or drops dominate by at least ratio.
func oneSided(maxRise, maxDrop, ratio float64) bool {
	if maxRise == 0 && maxDrop == 0 {
		return false
	}
	if maxDrop == 0 || maxRise == 0 {
		return true
	}
	r := maxRise / maxDrop
	return r >= ratio || r <= 1/ratio
}
