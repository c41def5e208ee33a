package ordercache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/domain"
	"ladderbot/internal/ports"
)

// Config holds configuration for the order cache.
type Config struct {
	Symbol            string
	TTL               time.Duration // freshness window for the last bulk snapshot
	ErrorThreshold    int           // consecutive errors before self-reset
	PricePrecision    int32         // decimals used when normalizing fingerprints
	QuantityPrecision int32
	Logger            ports.Logger
}

// Cache is the in-memory mirror of the exchange's open orders for one
// symbol. It owns its entries exclusively; callers get copies. A per-status
// secondary index serves the reconciliation poll ("any NEW orders left?")
// without scanning.
type Cache struct {
	cfg   Config
	nowFn func() time.Time

	mu                sync.RWMutex
	orders            map[int64]domain.CachedOrder
	byStatus          map[domain.OrderStatus]map[int64]struct{}
	fingerprints      map[string]time.Time
	lastBulkUpdate    time.Time
	consecutiveErrors int
	stale             bool
}

// New creates an order cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for order cache")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required for order cache")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	return &Cache{
		cfg:          cfg,
		nowFn:        time.Now,
		orders:       make(map[int64]domain.CachedOrder),
		byStatus:     make(map[domain.OrderStatus]map[int64]struct{}),
		fingerprints: make(map[string]time.Time),
	}, nil
}

// Upsert applies a single order snapshot and reports whether the order's
// status changed since the last snapshot. Malformed snapshots (missing id
// or status) are rejected without mutating state.
func (c *Cache) Upsert(o domain.CachedOrder) (bool, error) {
	if !o.Valid() {
		return false, fmt.Errorf("order snapshot missing id, status or symbol: %w", ports.ErrInvalidRequest)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, known := c.orders[o.ID]
	changed := !known || prev.Status != o.Status
	if known && !o.IsMartingaleLeg {
		// stream events don't know about leg tagging; keep the local flag
		o.IsMartingaleLeg = prev.IsMartingaleLeg
	}
	c.store(o)
	return changed, nil
}

// BulkReplace rebuilds the cache from a REST snapshot. With incremental set
// the snapshot is merged instead, keeping entries it does not mention. A
// successful bulk update resets the error counter and the freshness clock.
func (c *Cache) BulkReplace(orders []domain.CachedOrder, incremental bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !incremental {
		c.orders = make(map[int64]domain.CachedOrder, len(orders))
		c.byStatus = make(map[domain.OrderStatus]map[int64]struct{})
	}
	for _, o := range orders {
		if !o.Valid() {
			continue
		}
		c.store(o)
	}
	c.lastBulkUpdate = c.nowFn()
	c.consecutiveErrors = 0
	c.stale = false
}

// Get returns a copy of the cached order, if present.
func (c *Cache) Get(orderID int64) (domain.CachedOrder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderID]
	return o, ok
}

// ListBySymbol returns copies of cached orders for the symbol, optionally
// restricted to the given statuses.
func (c *Cache) ListBySymbol(symbol string, statuses ...domain.OrderStatus) []domain.CachedOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.CachedOrder
	if len(statuses) == 0 {
		for _, o := range c.orders {
			if o.Symbol == symbol {
				out = append(out, o)
			}
		}
		return out
	}
	for _, st := range statuses {
		for id := range c.byStatus[st] {
			if o := c.orders[id]; o.Symbol == symbol {
				out = append(out, o)
			}
		}
	}
	return out
}

// IsDuplicate reports whether an identical non-market order was recorded
// within the window. Market orders are never deduplicated: each one is a
// fresh execution intent.
func (c *Cache) IsDuplicate(o domain.CachedOrder, window time.Duration) bool {
	if o.Type == domain.OrderTypeMarket {
		return false
	}
	key := c.fingerprint(o)

	c.mu.RLock()
	defer c.mu.RUnlock()
	seen, ok := c.fingerprints[key]
	return ok && c.nowFn().Sub(seen) < window
}

// Remember records the fingerprint of a just-placed order so a retry storm
// cannot double a ladder rung. Market orders are not recorded.
func (c *Cache) Remember(o domain.CachedOrder) {
	if o.Type == domain.OrderTypeMarket {
		return
	}
	key := c.fingerprint(o)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fingerprints[key] = c.nowFn()
}

// ClearFingerprints drops the duplicate-suppression table wholesale. Called
// on cycle reset so a new cycle is not blocked by the old one's orders.
func (c *Cache) ClearFingerprints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fingerprints = make(map[string]time.Time)
}

// Invalidate marks the cache for refetch. With full set it clears all maps
// and counters immediately; otherwise only the next freshness check fails.
func (c *Cache) Invalidate(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if full {
		c.reset()
		return
	}
	c.stale = true
}

// NeedsRefresh reports whether the mirror can no longer be trusted: the
// last snapshot aged past the TTL, errors crossed the threshold, or a lazy
// invalidation was requested.
func (c *Cache) NeedsRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stale || c.consecutiveErrors >= c.cfg.ErrorThreshold {
		return true
	}
	return c.nowFn().Sub(c.lastBulkUpdate) > c.cfg.TTL
}

// RecordError counts a failed interaction with the exchange. Reaching the
// threshold wipes the cache so the next read forces a clean refetch instead
// of serving a desynced mirror.
func (c *Cache) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveErrors++
	if c.consecutiveErrors >= c.cfg.ErrorThreshold {
		c.cfg.Logger.Warn(context.Background(), "order cache error threshold reached, forcing full invalidation",
			map[string]interface{}{"symbol": c.cfg.Symbol, "errors": c.consecutiveErrors, "lastError": err})
		c.reset()
	}
}

// store updates the primary map and status index. Caller holds the lock.
func (c *Cache) store(o domain.CachedOrder) {
	if prev, ok := c.orders[o.ID]; ok && prev.Status != o.Status {
		delete(c.byStatus[prev.Status], o.ID)
	}
	c.orders[o.ID] = o
	idx, ok := c.byStatus[o.Status]
	if !ok {
		idx = make(map[int64]struct{})
		c.byStatus[o.Status] = idx
	}
	idx[o.ID] = struct{}{}
}

// reset clears all maps and counters. Caller holds the lock.
func (c *Cache) reset() {
	c.orders = make(map[int64]domain.CachedOrder)
	c.byStatus = make(map[domain.OrderStatus]map[int64]struct{})
	c.fingerprints = make(map[string]time.Time)
	c.lastBulkUpdate = time.Time{}
	c.consecutiveErrors = 0
	c.stale = false
}

// fingerprint normalizes the parameters that make two orders "the same":
// symbol, side, type, and price/quantity rounded to the configured
// precision so float noise does not defeat suppression.
func (c *Cache) fingerprint(o domain.CachedOrder) string {
	price := decimal.NewFromFloat(o.Price).Round(c.cfg.PricePrecision).String()
	qty := decimal.NewFromFloat(o.Quantity).Round(c.cfg.QuantityPrecision).String()
	return strings.Join([]string{o.Symbol, string(o.Side), string(o.Type), price, qty}, "|")
}
