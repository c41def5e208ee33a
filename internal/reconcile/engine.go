package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"ladderbot/internal/domain"
	"ladderbot/internal/ordercache"
	"ladderbot/internal/ports"
)

// Config holds configuration for the reconciliation engine.
type Config struct {
	Exchange    ports.ExchangeClient
	Cache       *ordercache.Cache
	Logger      ports.Logger
	MaxAttempts int           // individual-cancel rounds before giving up
	PollDelay   time.Duration // base delay between rounds
}

// Engine drives the exchange's open-order set for a symbol to empty and
// resets cycle-scoped state. It is the synchronization barrier in front of
// every transition that changes position sizing: the orchestrator must not
// place orders while a reconciliation is in flight, and Reconcile itself is
// non-reentrant. Both rules hang off the same mutex, exposed through
// TryAcquire/Release.
type Engine struct {
	cfg Config
	mu  sync.Mutex
}

// New creates a reconciliation engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Exchange == nil || cfg.Cache == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for reconcile engine")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 500 * time.Millisecond
	}
	return &Engine{cfg: cfg}, nil
}

// TryAcquire takes the placement/reconciliation lock without blocking.
func (e *Engine) TryAcquire() bool {
	return e.mu.TryLock()
}

// Release returns the lock. Safe to call only after a successful TryAcquire.
func (e *Engine) Release() {
	e.mu.Unlock()
}

// Reconcile drives the open-order set for symbol to empty, then resets pos
// to its zero state and clears the duplicate-fingerprint table. It returns
// ErrReconcileInProgress if another reconciliation holds the lock, and
// ErrReconcileFailed if orders remain after the attempt budget: proceeding
// with stray orders risks an oversized or mis-hedged position, so the
// failure propagates instead of being papered over.
func (e *Engine) Reconcile(ctx context.Context, symbol string, pos *domain.Position) error {
	if !e.TryAcquire() {
		return ports.ErrReconcileInProgress
	}
	defer e.Release()

	op := "Reconcile"
	e.cfg.Logger.Info(ctx, op+": starting cleanup", map[string]interface{}{"symbol": symbol})

	// Best-effort bulk cancel. Its result is advisory; the poll loop below
	// is what decides success.
	if err := e.cfg.Exchange.CancelAllOrders(ctx, symbol); err != nil {
		e.cfg.Logger.Warn(ctx, op+": bulk cancel failed, falling back to individual cancels",
			map[string]interface{}{"symbol": symbol, "error": err.Error()})
	}

	delay := &backoff.Backoff{
		Min:    e.cfg.PollDelay,
		Max:    e.cfg.PollDelay * 8,
		Jitter: true,
	}

	var remaining []domain.CachedOrder
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		open, err := e.cfg.Exchange.ListOpenOrders(ctx, symbol)
		if err != nil {
			e.cfg.Cache.RecordError(err)
			e.cfg.Logger.Warn(ctx, op+": open-order poll failed", map[string]interface{}{
				"symbol": symbol, "attempt": attempt, "error": err.Error()})
			if sleepErr := sleep(ctx, delay.Duration()); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		e.cfg.Cache.BulkReplace(open, false)

		remaining = cancellable(open)
		if len(remaining) == 0 {
			e.finish(ctx, symbol, pos)
			return nil
		}

		e.cfg.Logger.Info(ctx, op+": cancelling stray orders", map[string]interface{}{
			"symbol": symbol, "attempt": attempt, "count": len(remaining)})
		e.cancelAll(ctx, symbol, remaining)

		if err := sleep(ctx, delay.Duration()); err != nil {
			return err
		}
	}

	err := fmt.Errorf("%d orders still open for %s after %d attempts: %w",
		len(remaining), symbol, e.cfg.MaxAttempts, ports.ErrReconcileFailed)
	e.cfg.Logger.Error(ctx, err, op+": cleanup did not converge", map[string]interface{}{"symbol": symbol})
	return err
}

// cancelAll cancels every order in parallel, collecting per-order results.
// "Order not found / already terminal" counts as success.
func (e *Engine) cancelAll(ctx context.Context, symbol string, orders []domain.CachedOrder) {
	g, gctx := errgroup.WithContext(ctx)
	for _, o := range orders {
		o := o
		g.Go(func() error {
			err := e.cfg.Exchange.CancelOrder(gctx, symbol, o.ID)
			if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
				e.cfg.Logger.Warn(gctx, "Reconcile: individual cancel failed", map[string]interface{}{
					"symbol": symbol, "orderID": o.ID, "error": err.Error()})
			}
			// Failures are retried by the next poll round, not here.
			return nil
		})
	}
	_ = g.Wait()
}

// finish applies the success-path resets: zero position, zero martingale
// level, empty cache and fingerprint table. A new cycle must not be blocked
// by fingerprints from the old one.
func (e *Engine) finish(ctx context.Context, symbol string, pos *domain.Position) {
	if pos != nil {
		pos.Reset()
	}
	e.cfg.Cache.BulkReplace(nil, false)
	e.cfg.Cache.ClearFingerprints()
	e.cfg.Logger.Info(ctx, "Reconcile: order book confirmed empty, cycle state reset",
		map[string]interface{}{"symbol": symbol})
}

func cancellable(orders []domain.CachedOrder) []domain.CachedOrder {
	var out []domain.CachedOrder
	for _, o := range orders {
		if o.Status.IsCancellable() {
			out = append(out, o)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconcile interrupted: %w", ports.ErrContextCanceled)
	}
}
