package ports

import (
	"context"

	"ladderbot/internal/domain"
)

// CycleRepository defines the interface for recording completed martingale
// cycles. The repository is reporting only: a restart never resumes from it,
// it reconciles against live exchange state instead.
type CycleRepository interface {
	// CreateCycle saves a completed cycle record and returns its assigned ID.
	CreateCycle(ctx context.Context, c *domain.Cycle) (int64, error)
	// FindRecentBySymbol retrieves the most recent cycles for a symbol, up to a limit.
	FindRecentBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Cycle, error)
	// CountTodayBySymbol counts the cycles completed today for a symbol.
	CountTodayBySymbol(ctx context.Context, symbol string) (int, error)
	// TotalProfit calculates the sum of PNL across all recorded cycles.
	TotalProfit(ctx context.Context) (float64, error)
}
