package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ladderbot/config"
	"ladderbot/internal/domain"
	"ladderbot/internal/ordercache"
	"ladderbot/internal/ports"
	"ladderbot/internal/reconcile"
	"ladderbot/internal/risk"
	"ladderbot/internal/volatility"
)

const (
	eventBufferSize = 128
	// consecutive reconciliation failures before the bot marks itself
	// inactive and waits for an operator
	maxReconcileFailures = 3
)

// Service orchestrates the martingale cycle state machine. All state below
// the mutex-free line is owned by the single event-loop goroutine started by
// Start; stream callbacks only enqueue onto the events channel.
type Service struct {
	cfg        *config.Config
	logger     ports.Logger
	exchange   ports.ExchangeClient
	cycles     ports.CycleRepository
	cache      *ordercache.Cache
	vol        *volatility.Monitor
	risk       *risk.Manager
	reconciler *reconcile.Engine

	events chan *domain.StreamEvent
	done   chan struct{}
	halted atomic.Bool

	// Event-loop-owned state. No lock: one goroutine.
	state             domain.CycleState
	position          *domain.Position
	active            bool
	nextCycleAt       time.Time
	expectedEntry     float64 // ticker price when the market buy went out
	expectedRung      float64 // limit price of the resting martingale buy
	rungsFilled       int
	cyclesToday       int
	budgetDay         string // UTC day the cyclesToday counter belongs to
	reconcileFailures int
	lastPriceSample   time.Time
	sampleEvery       time.Duration

	nowFn func() time.Time
}

// Config holds the orchestrator's dependencies.
type Config struct {
	Cfg        *config.Config
	Logger     ports.Logger
	Exchange   ports.ExchangeClient
	Cycles     ports.CycleRepository
	Cache      *ordercache.Cache
	Volatility *volatility.Monitor
	Risk       *risk.Manager
	Reconciler *reconcile.Engine
}

// New creates the orchestrator service.
func New(cfg Config) (*Service, error) {
	if cfg.Cfg == nil || cfg.Logger == nil || cfg.Exchange == nil || cfg.Cycles == nil ||
		cfg.Cache == nil || cfg.Volatility == nil || cfg.Risk == nil || cfg.Reconciler == nil {
		return nil, fmt.Errorf("missing required dependencies for orchestrator service")
	}
	// Never sample faster than the gateway's price cache refreshes, or the
	// volatility window fills with duplicate quotes and the estimate drops.
	sampleEvery := cfg.Cfg.TickInterval
	if cfg.Cfg.PriceCacheTTL > sampleEvery {
		sampleEvery = cfg.Cfg.PriceCacheTTL
	}
	return &Service{
		cfg:         cfg.Cfg,
		logger:      cfg.Logger,
		exchange:    cfg.Exchange,
		cycles:      cfg.Cycles,
		cache:       cfg.Cache,
		vol:         cfg.Volatility,
		risk:        cfg.Risk,
		reconciler:  cfg.Reconciler,
		events:      make(chan *domain.StreamEvent, eventBufferSize),
		done:        make(chan struct{}),
		state:       domain.CycleIdle,
		position:    &domain.Position{Symbol: cfg.Cfg.Symbol, Side: domain.Long},
		active:      true,
		sampleEvery: sampleEvery,
		nowFn:       time.Now,
	}, nil
}

// HandleStreamEvent enqueues a decoded stream event for serial processing.
// Safe to call from the stream goroutine; blocks when the loop lags so that
// order updates are never dropped.
func (s *Service) HandleStreamEvent(ev *domain.StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// HandleStreamFailure marks the bot inactive after a permanent stream
// failure. Only an operator restart recovers from this.
func (s *Service) HandleStreamFailure(err error) {
	s.halted.Store(true)
}

// Start runs the startup ritual and then the event loop until ctx is
// cancelled. Events and ticks are processed strictly one at a time.
func (s *Service) Start(ctx context.Context) error {
	op := "Start"
	defer close(s.done)

	if err := s.startupRitual(ctx); err != nil {
		return err
	}

	s.logger.Info(ctx, op+": entering event loop", map[string]interface{}{
		"symbol": s.cfg.Symbol,
		"state":  s.state,
	})

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case <-ticker.C:
			s.onTick(ctx)
		}
	}
}

// startupRitual synchronizes clock and leverage and forces an initial
// reconciliation so the first cycle starts from a clean book.
func (s *Service) startupRitual(ctx context.Context) error {
	op := "startupRitual"

	if err := s.exchange.SetServerTime(ctx); err != nil {
		return fmt.Errorf("failed to set server time: %w", err)
	}
	if err := s.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}

	pos, err := s.exchange.GetPositionRisk(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to check position state: %w", err)
	}
	currentLeverage := 1
	if pos != nil {
		currentLeverage = pos.Leverage
	}
	if currentLeverage != s.cfg.Leverage {
		if err := s.exchange.SetLeverage(ctx, s.cfg.Symbol, s.cfg.Leverage); err != nil {
			// Keep running on the exchange's current leverage; sizing uses
			// configured leverage, so margin checks stay conservative only
			// if configured <= actual.
			s.logger.Warn(ctx, op+": failed to set leverage, continuing with current",
				map[string]interface{}{"current": currentLeverage, "target": s.cfg.Leverage, "error": err.Error()})
		}
	}

	if err := s.runReconcile(ctx); err != nil {
		return fmt.Errorf("initial reconciliation failed: %w", err)
	}

	count, err := s.cycles.CountTodayBySymbol(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to count today's cycles: %w", err)
	}
	s.cyclesToday = count
	s.budgetDay = utcDay(s.nowFn())

	fields := map[string]interface{}{
		"symbol":      s.cfg.Symbol,
		"leverage":    s.cfg.Leverage,
		"cyclesToday": s.cyclesToday,
	}
	if profit, err := s.cycles.TotalProfit(ctx); err == nil {
		fields["totalProfit"] = profit
	}
	if recent, err := s.cycles.FindRecentBySymbol(ctx, s.cfg.Symbol, 1); err == nil && len(recent) > 0 {
		fields["lastCycleClosed"] = recent[0].ExitTime
		fields["lastCyclePNL"] = recent[0].PNL
	}
	s.logger.Info(ctx, op+": startup complete", fields)
	return nil
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resting := s.cache.ListBySymbol(s.cfg.Symbol, domain.OrderStatusNew, domain.OrderStatusPartiallyFilled)
	s.logger.Info(ctx, "shutting down, cancelling open orders", map[string]interface{}{
		"symbol":        s.cfg.Symbol,
		"cachedResting": len(resting),
	})
	if err := s.exchange.CancelAllOrders(ctx, s.cfg.Symbol); err != nil {
		s.logger.Warn(ctx, "shutdown cancel failed", map[string]interface{}{"error": err.Error()})
	}
}

// onTick drives everything not triggered by a stream event: price sampling,
// cooldown expiry, cache self-healing and cycle starts.
func (s *Service) onTick(ctx context.Context) {
	now := s.nowFn()

	if s.halted.Load() && s.active {
		s.active = false
		s.state = domain.CycleIdle
		s.logger.Error(ctx, ports.ErrStreamPermanent, "bot marked inactive after permanent stream failure", nil)
	}

	// Ticks can be shorter than the gateway's price cache TTL; sampling on
	// every tick would feed the same cached quote into the volatility
	// window as zero-steps and dilute the estimate.
	if now.Sub(s.lastPriceSample) >= s.sampleEvery {
		if price, err := s.exchange.GetTickerPrice(ctx, s.cfg.Symbol); err == nil {
			s.vol.RecordPrice(price, now)
			s.lastPriceSample = now
		} else {
			s.logger.Debug(ctx, "price sample failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if s.cache.NeedsRefresh() {
		s.refreshCache(ctx)
	}

	switch s.state {
	case domain.CycleCooldown:
		if !s.vol.InCooldown(now) {
			s.logger.Info(ctx, "cooldown expired", map[string]interface{}{"symbol": s.cfg.Symbol})
			s.state = domain.CycleIdle
		} else {
			s.logger.Debug(ctx, "cooldown active", map[string]interface{}{
				"remaining": s.vol.CooldownRemaining(now).String(),
			})
		}
	case domain.CycleIdle:
		if s.active && now.After(s.nextCycleAt) {
			s.tryStartCycle(ctx)
		}
	}
}

// refreshCache repopulates the order cache from the REST open-order set.
func (s *Service) refreshCache(ctx context.Context) {
	open, err := s.exchange.ListOpenOrders(ctx, s.cfg.Symbol)
	if err != nil {
		s.cache.RecordError(err)
		s.logger.Warn(ctx, "cache refresh failed", map[string]interface{}{"error": err.Error()})
		return
	}
	s.cache.BulkReplace(open, false)
}

// canStartCycle gates new entries, mirroring the order of checks a human
// operator would make: is the bot allowed to trade at all, then the daily
// budget, then market conditions.
func (s *Service) canStartCycle(ctx context.Context) (bool, string) {
	if !s.active {
		return false, "bot is inactive"
	}
	s.rollBudgetDay(ctx)
	if s.cfg.MaxCyclesPerDay > 0 && s.cyclesToday >= s.cfg.MaxCyclesPerDay {
		return false, "daily cycle budget exhausted"
	}
	if s.vol.InCooldown(s.nowFn()) {
		return false, "cooldown active"
	}
	return true, ""
}

// rollBudgetDay resets the daily cycle counter when the UTC day changes, so
// a bot running unattended past midnight regains its budget. The repository
// is re-queried rather than zeroed blindly in case cycles were recorded by
// an earlier run of the same day.
func (s *Service) rollBudgetDay(ctx context.Context) {
	day := utcDay(s.nowFn())
	if day == s.budgetDay {
		return
	}
	s.budgetDay = day
	count, err := s.cycles.CountTodayBySymbol(ctx, s.cfg.Symbol)
	if err != nil {
		s.logger.Warn(ctx, "cycle count query failed on day rollover, assuming zero",
			map[string]interface{}{"error": err.Error()})
		count = 0
	}
	s.cyclesToday = count
	s.logger.Info(ctx, "daily cycle budget rolled over", map[string]interface{}{
		"day":         day,
		"cyclesToday": s.cyclesToday,
	})
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// tryStartCycle attempts Idle -> AwaitingInitialFill: reconcile to a clean
// book, gate on volatility, then place the market buy.
func (s *Service) tryStartCycle(ctx context.Context) {
	op := "tryStartCycle"

	if ok, reason := s.canStartCycle(ctx); !ok {
		s.logger.Debug(ctx, op+": skipped", map[string]interface{}{"reason": reason})
		return
	}

	vol := s.vol.EstimateVolatility()
	if s.vol.ShouldCooldown(vol) {
		d := s.vol.ActivateCooldown(ctx, vol)
		s.state = domain.CycleCooldown
		s.logger.Warn(ctx, op+": volatility too high, cooling down", map[string]interface{}{
			"volatility": vol,
			"duration":   d.String(),
		})
		return
	}

	s.state = domain.CycleCleaning
	if err := s.runReconcile(ctx); err != nil {
		s.onReconcileFailure(ctx, err)
		return
	}
	s.state = domain.CycleIdle
	if pr, err := s.exchange.GetPositionRisk(ctx, s.cfg.Symbol); err != nil {
		s.logger.Warn(ctx, op+": position check failed, retrying next tick", map[string]interface{}{"error": err.Error()})
		return
	} else if pr != nil {
		s.logger.Warn(ctx, op+": unexpected live position, retrying reconciliation next tick",
			map[string]interface{}{"positionAmt": pr.PositionAmt})
		return
	}

	price, err := s.exchange.GetTickerPrice(ctx, s.cfg.Symbol)
	if err != nil {
		s.logger.Warn(ctx, op+": no ticker price, retrying next tick", map[string]interface{}{"error": err.Error()})
		return
	}

	qty := s.risk.RoundQuantity(s.risk.RungQuantity(0) * s.risk.SizeFactor(vol))
	if qty <= 0 {
		s.logger.Warn(ctx, op+": scaled quantity rounds to zero, skipping", map[string]interface{}{"volatility": vol})
		return
	}
	balance, err := s.exchange.GetAccountBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		s.logger.Warn(ctx, op+": balance check failed, retrying next tick", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := s.risk.CanAffordRung(ctx, balance, price, 0); err != nil {
		s.logger.Warn(ctx, op+": insufficient margin for entry", map[string]interface{}{"balance": balance})
		s.nextCycleAt = s.nowFn().Add(s.cfg.RestartDelay)
		return
	}

	resp, err := s.exchange.PlaceMarketOrder(ctx, s.cfg.Symbol, domain.Buy, s.risk.FormatQuantity(qty))
	if err != nil {
		s.logger.Error(ctx, err, op+": market entry failed", map[string]interface{}{"quantity": qty})
		s.nextCycleAt = s.nowFn().Add(s.cfg.RestartDelay)
		return
	}

	s.position.OpenOrderID = resp.OrderID
	s.expectedEntry = price
	s.state = domain.CycleAwaitingInitialFill
	s.logger.Info(ctx, op+": market entry placed", map[string]interface{}{
		"orderID":  resp.OrderID,
		"quantity": qty,
		"price":    price,
	})
}

// handleEvent is the single entry point for stream events. Only order
// updates for tracked ids drive transitions; everything else has already
// served its purpose by updating the cache.
func (s *Service) handleEvent(ctx context.Context, ev *domain.StreamEvent) {
	if ev == nil || ev.Kind != domain.EventOrderUpdate || ev.Order == nil {
		return
	}
	u := ev.Order
	if u.Symbol != s.cfg.Symbol || !s.position.HasTrackedOrder(u.OrderID) {
		return
	}

	switch {
	case u.Status == domain.OrderStatusFilled:
		switch u.OrderID {
		case s.position.OpenOrderID:
			s.onInitialFill(ctx, u)
		case s.position.MartingaleBuyOrderID:
			s.onRungFill(ctx, u)
		case s.position.TakeProfitOrderID:
			s.onTakeProfitFill(ctx, u)
		}
	case u.Status == domain.OrderStatusCanceled,
		u.Status == domain.OrderStatusRejected,
		u.Status == domain.OrderStatusExpired:
		// A dead tracked order leaves the position in a shape the next
		// reconciliation pass will detect and correct.
		s.logger.Warn(ctx, "tracked order terminated without fill", map[string]interface{}{
			"orderID": u.OrderID,
			"status":  u.Status,
		})
		s.position.ClearOrderRef(u.OrderID)
	}
}

// onInitialFill handles AwaitingInitialFill -> PositionOpen.
func (s *Service) onInitialFill(ctx context.Context, u *domain.OrderUpdate) {
	op := "onInitialFill"
	if s.state != domain.CycleAwaitingInitialFill {
		s.logger.Warn(ctx, op+": fill outside expected state", map[string]interface{}{"state": s.state})
	}

	fillPrice := u.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = u.LastFillPrice
	}

	s.position.Quantity = u.FilledQuantity
	s.position.AvgEntryPrice = fillPrice
	s.position.EntryValueUSD = u.FilledQuantity * fillPrice
	s.position.EntryTime = u.TradeTime
	s.position.MartingaleLevel = 0
	s.position.OpenOrderID = 0
	s.rungsFilled = 0

	if s.risk.IsPricingAnomaly(s.expectedEntry, fillPrice, s.vol.EstimateVolatility()) {
		s.logger.Warn(ctx, op+": entry fill price anomalous", map[string]interface{}{
			"expected": s.expectedEntry,
			"filled":   fillPrice,
		})
		// Level is already 0; nothing to clamp on the first fill.
	}

	s.logger.Info(ctx, op+": position opened", map[string]interface{}{
		"quantity": s.position.Quantity,
		"avgEntry": s.position.AvgEntryPrice,
	})

	if err := s.placeBracket(ctx, fillPrice); err != nil {
		s.abortCycle(ctx, err)
		return
	}
	s.state = domain.CyclePositionOpen
}

// onRungFill handles the ladder step: PositionOpen -> PositionOpen with the
// martingale level advanced and fresh bracket orders.
func (s *Service) onRungFill(ctx context.Context, u *domain.OrderUpdate) {
	op := "onRungFill"

	level := s.position.MartingaleLevel + 1
	fillPrice := u.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = u.LastFillPrice
	}
	if s.risk.IsPricingAnomaly(s.expectedRung, fillPrice, s.vol.EstimateVolatility()) {
		clamped := s.risk.ClampLevel(level)
		s.logger.Warn(ctx, op+": rung fill price anomalous, de-risking", map[string]interface{}{
			"expected":     s.expectedRung,
			"filled":       fillPrice,
			"level":        level,
			"clampedLevel": clamped,
		})
		level = clamped
	}
	s.rungsFilled++

	// Clear stale orders before repricing. Reconcile zeroes the position
	// struct, so the advanced level survives in a local.
	s.state = domain.CycleCleaning
	if err := s.runReconcile(ctx); err != nil {
		s.onReconcileFailure(ctx, err)
		return
	}
	s.position.MartingaleLevel = level

	// Fee and rounding effects make local position math unreliable; the
	// exchange's view is authoritative.
	pr, err := s.exchange.GetPositionRisk(ctx, s.cfg.Symbol)
	if err != nil {
		s.abortCycle(ctx, fmt.Errorf("refetching position after rung fill: %w", err))
		return
	}
	if pr == nil {
		s.abortCycle(ctx, fmt.Errorf("position vanished after rung fill"))
		return
	}
	s.position.Quantity = pr.PositionAmt
	s.position.AvgEntryPrice = pr.EntryPrice
	s.position.EntryValueUSD = pr.PositionAmt * pr.EntryPrice
	if s.position.EntryTime.IsZero() {
		s.position.EntryTime = u.TradeTime
	}

	s.logger.Info(ctx, op+": ladder advanced", map[string]interface{}{
		"level":    level,
		"quantity": s.position.Quantity,
		"avgEntry": s.position.AvgEntryPrice,
	})

	if err := s.placeBracket(ctx, fillPrice); err != nil {
		s.abortCycle(ctx, err)
		return
	}
	s.state = domain.CyclePositionOpen
}

// onTakeProfitFill handles cycle completion: PositionOpen -> Idle.
func (s *Service) onTakeProfitFill(ctx context.Context, u *domain.OrderUpdate) {
	op := "onTakeProfitFill"

	exitPrice := u.AvgFillPrice
	if exitPrice <= 0 {
		exitPrice = u.LastFillPrice
	}
	s.recordCycle(ctx, exitPrice, u.TradeTime, domain.CloseReasonTakeProfit)

	s.state = domain.CycleCleaning
	if err := s.runReconcile(ctx); err != nil {
		s.onReconcileFailure(ctx, err)
		return
	}
	s.state = domain.CycleIdle
	s.rungsFilled = 0
	s.nextCycleAt = s.nowFn().Add(s.cfg.RestartDelay)
	s.logger.Info(ctx, op+": cycle complete", map[string]interface{}{
		"exitPrice":   exitPrice,
		"cyclesToday": s.cyclesToday,
	})
}

// placeBracket places the take-profit sell for the full position and, when
// the ladder has room and margin allows, the next martingale buy. The two
// placements run concurrently but their results are joined: one leg without
// the other violates the risk model, so partial success is a failure.
func (s *Service) placeBracket(ctx context.Context, lastFill float64) error {
	op := "placeBracket"

	tpPrice := s.risk.TakeProfitPrice(s.position.AvgEntryPrice)
	tpQty := s.risk.RoundQuantity(s.position.Quantity)

	nextLevel := s.position.MartingaleLevel + 1
	rungPrice := s.risk.NextRungPrice(lastFill)
	rungQty := s.risk.RungQuantity(nextLevel)

	wantRung := nextLevel <= s.risk.MaxLevels()
	if wantRung {
		balance, err := s.exchange.GetAccountBalance(ctx, s.cfg.QuoteAsset)
		if err != nil {
			return fmt.Errorf("balance check before rung placement: %w", err)
		}
		if err := s.risk.CanAffordRung(ctx, balance, rungPrice, nextLevel); err != nil {
			s.logger.Warn(ctx, op+": next rung unaffordable, placing take-profit only",
				map[string]interface{}{"level": nextLevel})
			wantRung = false
		}
	} else {
		s.logger.Info(ctx, op+": ladder at max depth, placing take-profit only",
			map[string]interface{}{"level": s.position.MartingaleLevel})
	}

	tpOrder := domain.CachedOrder{
		Symbol:   s.cfg.Symbol,
		Side:     domain.Sell,
		Type:     domain.OrderTypeTakeProfit,
		Price:    tpPrice,
		Quantity: tpQty,
	}
	rungOrder := domain.CachedOrder{
		Symbol:          s.cfg.Symbol,
		Side:            domain.Buy,
		Type:            domain.OrderTypeLimit,
		Price:           rungPrice,
		Quantity:        rungQty,
		IsMartingaleLeg: true,
	}
	if s.cache.IsDuplicate(tpOrder, s.cfg.DedupWindow) {
		return fmt.Errorf("take-profit placement: %w", ports.ErrDuplicateOrder)
	}
	if wantRung && s.cache.IsDuplicate(rungOrder, s.cfg.DedupWindow) {
		return fmt.Errorf("martingale rung placement: %w", ports.ErrDuplicateOrder)
	}

	tpOrder.ClientOrderID = clientOrderID("tp")
	rungOrder.ClientOrderID = clientOrderID("rung")

	var tpID, rungID int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := s.exchange.PlaceTakeProfitOrder(gctx, s.cfg.Symbol, domain.Sell,
			s.risk.FormatQuantity(tpQty), s.risk.FormatPrice(tpPrice), tpOrder.ClientOrderID)
		if err != nil {
			return fmt.Errorf("take-profit placement: %w", err)
		}
		tpID = resp.OrderID
		return nil
	})
	if wantRung {
		g.Go(func() error {
			resp, err := s.exchange.PlaceLimitOrder(gctx, s.cfg.Symbol, domain.Buy,
				s.risk.FormatQuantity(rungQty), s.risk.FormatPrice(rungPrice), rungOrder.ClientOrderID)
			if err != nil {
				return fmt.Errorf("martingale rung placement: %w", err)
			}
			rungID = resp.OrderID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Seed the cache with the accepted orders before any stream update can
	// arrive; the rung carries its leg tag, which Upsert preserves across
	// later snapshots that don't know about tagging.
	now := s.nowFn()
	tpOrder.ID = tpID
	tpOrder.Status = domain.OrderStatusNew
	tpOrder.UpdatedAt = now
	s.position.TakeProfitOrderID = tpID
	s.cache.Remember(tpOrder)
	if _, err := s.cache.Upsert(tpOrder); err != nil {
		s.logger.Warn(ctx, op+": failed to cache take-profit order", map[string]interface{}{"error": err.Error()})
	}
	if wantRung {
		rungOrder.ID = rungID
		rungOrder.Status = domain.OrderStatusNew
		rungOrder.UpdatedAt = now
		s.position.MartingaleBuyOrderID = rungID
		s.expectedRung = rungPrice
		s.cache.Remember(rungOrder)
		if _, err := s.cache.Upsert(rungOrder); err != nil {
			s.logger.Warn(ctx, op+": failed to cache martingale rung", map[string]interface{}{"error": err.Error()})
		}
	} else {
		s.position.MartingaleBuyOrderID = 0
		s.expectedRung = 0
	}

	s.logger.Info(ctx, op+": bracket placed", map[string]interface{}{
		"takeProfitID": tpID,
		"rungID":       rungID,
		"tpPrice":      tpPrice,
		"rungPrice":    rungPrice,
		"rungPlaced":   wantRung,
	})
	return nil
}

// abortCycle returns to Idle through reconciliation after a failed
// transition. Stray live orders are the reconciler's problem; there is no
// compensating cancel of a half-placed bracket.
func (s *Service) abortCycle(ctx context.Context, cause error) {
	op := "abortCycle"
	s.logger.Error(ctx, cause, op+": aborting cycle", map[string]interface{}{"state": s.state})

	if !s.position.IsFlat() {
		s.recordCycle(ctx, s.position.AvgEntryPrice, s.nowFn(), domain.CloseReasonReconcile)
	}
	s.state = domain.CycleCleaning
	if err := s.runReconcile(ctx); err != nil {
		s.onReconcileFailure(ctx, err)
		return
	}
	s.state = domain.CycleIdle
	s.rungsFilled = 0
	s.nextCycleAt = s.nowFn().Add(s.cfg.RestartDelay)
}

// runReconcile drives the book to empty and, on success, clears the
// cycle-scoped failure counter and expected-fill trackers along with the
// position state the engine already zeroed.
func (s *Service) runReconcile(ctx context.Context) error {
	if err := s.reconciler.Reconcile(ctx, s.cfg.Symbol, s.position); err != nil {
		return err
	}
	s.reconcileFailures = 0
	s.expectedEntry = 0
	s.expectedRung = 0
	return nil
}

// onReconcileFailure applies the escalation policy: bounded restarts with a
// growing delay, then inactive.
func (s *Service) onReconcileFailure(ctx context.Context, err error) {
	s.reconcileFailures++
	s.state = domain.CycleIdle

	if s.reconcileFailures >= maxReconcileFailures {
		s.active = false
		s.logger.Error(ctx, err, "unrecoverable reconciliation failure, bot inactive", map[string]interface{}{
			"failures": s.reconcileFailures,
		})
		return
	}

	delay := s.cfg.RestartDelay * time.Duration(1<<uint(s.reconcileFailures))
	s.nextCycleAt = s.nowFn().Add(delay)
	s.logger.Error(ctx, err, "reconciliation failed, delaying restart", map[string]interface{}{
		"failures": s.reconcileFailures,
		"delay":    delay.String(),
	})
}

// recordCycle persists the completed cycle. Persistence is reporting only;
// failures never block the trading path.
func (s *Service) recordCycle(ctx context.Context, exitPrice float64, exitTime time.Time, reason domain.CloseReason) {
	entryValue := s.position.Quantity * s.position.AvgEntryPrice
	exitValue := s.position.Quantity * exitPrice
	fees := s.cfg.FeeRate * (entryValue + exitValue)
	pnl := exitValue - entryValue - fees

	c := &domain.Cycle{
		Symbol:        s.cfg.Symbol,
		AvgEntryPrice: s.position.AvgEntryPrice,
		ExitPrice:     exitPrice,
		Quantity:      s.position.Quantity,
		RungsFilled:   s.rungsFilled,
		PNL:           pnl,
		EntryTime:     s.position.EntryTime,
		ExitTime:      exitTime,
		CloseReason:   reason,
	}
	if _, err := s.cycles.CreateCycle(ctx, c); err != nil {
		s.logger.Warn(ctx, "failed to record cycle", map[string]interface{}{"error": err.Error()})
	}
	s.cyclesToday++
}

// clientOrderID builds an exchange-safe client order id with a readable tag.
func clientOrderID(tag string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return tag + "-" + raw[:24]
}
