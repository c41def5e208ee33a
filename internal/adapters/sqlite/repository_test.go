package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladderbot/internal/domain"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "cycles.db"),
		Logger: noopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleCycle(symbol string, exitTime time.Time, pnl float64) *domain.Cycle {
	return &domain.Cycle{
		Symbol:        symbol,
		AvgEntryPrice: 2500.0,
		ExitPrice:     2503.2,
		Quantity:      0.03,
		RungsFilled:   2,
		PNL:           pnl,
		EntryTime:     exitTime.Add(-30 * time.Minute),
		ExitTime:      exitTime,
		CloseReason:   domain.CloseReasonTakeProfit,
	}
}

func TestCreateAndFindRecent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := sampleCycle("ETHUSDT", now.Add(-2*time.Hour), 1.5)
	recent := sampleCycle("ETHUSDT", now.Add(-10*time.Minute), 2.1)
	other := sampleCycle("BTCUSDT", now, 5.0)

	for _, c := range []*domain.Cycle{old, recent, other} {
		id, err := repo.CreateCycle(ctx, c)
		require.NoError(t, err)
		assert.Positive(t, id)
		assert.Equal(t, id, c.ID)
	}

	cycles, err := repo.FindRecentBySymbol(ctx, "ETHUSDT", 10)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	// Most recent first.
	assert.Equal(t, recent.ID, cycles[0].ID)
	assert.Equal(t, old.ID, cycles[1].ID)
	assert.Equal(t, domain.CloseReasonTakeProfit, cycles[0].CloseReason)
	assert.InDelta(t, 2.1, cycles[0].PNL, 1e-9)

	limited, err := repo.FindRecentBySymbol(ctx, "ETHUSDT", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, recent.ID, limited[0].ID)
}

func TestCountTodayBySymbol(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.CreateCycle(ctx, sampleCycle("ETHUSDT", now.Add(-48*time.Hour), 1.0))
	require.NoError(t, err)
	_, err = repo.CreateCycle(ctx, sampleCycle("ETHUSDT", now, 1.0))
	require.NoError(t, err)
	_, err = repo.CreateCycle(ctx, sampleCycle("BTCUSDT", now, 1.0))
	require.NoError(t, err)

	count, err := repo.CountTodayBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTotalProfit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	total, err := repo.TotalProfit(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = repo.CreateCycle(ctx, sampleCycle("ETHUSDT", now.Add(-time.Hour), 2.5))
	require.NoError(t, err)
	_, err = repo.CreateCycle(ctx, sampleCycle("ETHUSDT", now, -1.0))
	require.NoError(t, err)

	total, err = repo.TotalProfit(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, total, 1e-9)
}
