package volatility

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestMonitor(t *testing.T, threshold float64) *Monitor {
	t.Helper()
	m, err := New(Config{
		Symbol:             "BTCUSDT",
		Window:             60 * time.Second,
		Threshold:          threshold,
		CooldownBase:       5 * time.Minute,
		CooldownMultiplier: 3.0,
		Logger:             noopLogger{},
	})
	require.NoError(t, err)
	return m
}

func record(m *Monitor, now time.Time, prices ...float64) {
	for i, p := range prices {
		m.RecordPrice(p, now.Add(time.Duration(i)*time.Second))
	}
}

func TestMonitor_EstimateVolatility(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		prices   []float64
		expected float64
		delta    float64
	}{
		{
			name:     "fewer than two samples",
			prices:   []float64{50000},
			expected: 0,
		},
		{
			name: "mean-reverting two percent steps",
			// 100 -> 102 -> 100: steps +0.02 and -0.019608
			prices:   []float64{100, 102, 100},
			expected: (0.02 + 2.0/102.0) / 2,
			delta:    1e-9,
		},
		{
			name: "directional slide gets up-weighted",
			// all drops, no rises: one-sided, so mean step x 1.2
			prices:   []float64{100, 99, 98},
			expected: ((1.0/100.0 + 1.0/99.0) / 2) * 1.2,
			delta:    1e-9,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t, 0.01)
			record(m, now, tt.prices...)
			m.nowFn = func() time.Time { return now.Add(time.Duration(len(tt.prices)) * time.Second) }
			assert.InDelta(t, tt.expected, m.EstimateVolatility(), tt.delta)
		})
	}
}

func TestMonitor_WindowPruning(t *testing.T) {
	now := time.Now()
	m := newTestMonitor(t, 0.01)

	m.RecordPrice(100, now.Add(-2*time.Minute)) // outside the 60s window
	m.RecordPrice(110, now)
	m.nowFn = func() time.Time { return now }

	assert.Equal(t, 0.0, m.EstimateVolatility(), "the stale sample must be pruned, leaving one")
}

func TestMonitor_ShouldCooldown(t *testing.T) {
	now := time.Now()

	wild := newTestMonitor(t, 0.01)
	record(wild, now, 100, 102, 99, 103) // ~2-3% steps
	wild.nowFn = func() time.Time { return now.Add(4 * time.Second) }
	assert.True(t, wild.ShouldCooldown(wild.EstimateVolatility()))

	calm := newTestMonitor(t, 0.01)
	record(calm, now, 100, 100.01, 100.02, 100.01) // ~0.01% steps
	calm.nowFn = func() time.Time { return now.Add(4 * time.Second) }
	assert.False(t, calm.ShouldCooldown(calm.EstimateVolatility()))
}

func TestMonitor_ActivateCooldown(t *testing.T) {
	now := time.Now()
	m := newTestMonitor(t, 0.01)
	m.nowFn = func() time.Time { return now }

	// vol at 2x threshold scales the base period by 2
	d := m.ActivateCooldown(context.Background(), 0.02)
	assert.Equal(t, 10*time.Minute, d)
	assert.True(t, m.InCooldown(now.Add(9*time.Minute)))
	assert.False(t, m.InCooldown(now.Add(11*time.Minute)))
	assert.Equal(t, time.Minute, m.CooldownRemaining(now.Add(9*time.Minute)))

	// scaling is capped at the multiplier
	d = m.ActivateCooldown(context.Background(), 1.0)
	assert.Equal(t, 15*time.Minute, d)
}
