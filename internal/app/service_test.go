package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladderbot/config"
	"ladderbot/internal/domain"
	"ladderbot/internal/ordercache"
	"ladderbot/internal/ports"
	"ladderbot/internal/reconcile"
	"ladderbot/internal/risk"
	"ladderbot/internal/volatility"
)

// Mock implementations

type mockLogger struct {
	mu        sync.Mutex
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	m.warnMsgs = append(m.warnMsgs, msg)
	m.mu.Unlock()
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	m.errorMsgs = append(m.errorMsgs, msg)
	m.mu.Unlock()
}

type placedOrder struct {
	kind     string // "market", "limit", "tp"
	side     domain.OrderSide
	quantity string
	price    string
	orderID  int64
}

type mockExchange struct {
	mu sync.Mutex

	tickerPrice  float64
	balance      float64
	positionRisk *ports.PositionRisk

	nextID    int64
	placed    []placedOrder
	marketErr error
	limitErr  error
	tpErr     error

	open          []domain.CachedOrder
	cancelAllCnt  int
	leverageCalls int
}

func newMockExchange() *mockExchange {
	return &mockExchange{tickerPrice: 50000, balance: 1000, nextID: 100}
}

func (m *mockExchange) place(kind string, side domain.OrderSide, quantity, price string) *ports.OrderResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.placed = append(m.placed, placedOrder{kind: kind, side: side, quantity: quantity, price: price, orderID: m.nextID})
	return &ports.OrderResponse{OrderID: m.nextID, Status: domain.OrderStatusNew}
}

func (m *mockExchange) placements(kind string) []placedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []placedOrder
	for _, p := range m.placed {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockExchange) lastPlacement(kind string) (placedOrder, bool) {
	all := m.placements(kind)
	if len(all) == 0 {
		return placedOrder{}, false
	}
	return all[len(all)-1], true
}

func (m *mockExchange) SetServerTime(ctx context.Context) error { return nil }
func (m *mockExchange) Ping(ctx context.Context) error          { return nil }
func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return m.tickerPrice, nil
}
func (m *mockExchange) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	return m.balance, nil
}
func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	m.leverageCalls++
	m.mu.Unlock()
	return nil
}
func (m *mockExchange) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string) (*ports.OrderResponse, error) {
	if m.marketErr != nil {
		return nil, m.marketErr
	}
	return m.place("market", side, quantity, ""), nil
}
func (m *mockExchange) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price, clientOrderID string) (*ports.OrderResponse, error) {
	if m.limitErr != nil {
		return nil, m.limitErr
	}
	return m.place("limit", side, quantity, price), nil
}
func (m *mockExchange) PlaceTakeProfitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price, clientOrderID string) (*ports.OrderResponse, error) {
	if m.tpErr != nil {
		return nil, m.tpErr
	}
	return m.place("tp", side, quantity, price), nil
}
func (m *mockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return nil
}
func (m *mockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	m.cancelAllCnt++
	m.mu.Unlock()
	return nil
}
func (m *mockExchange) ListOpenOrders(ctx context.Context, symbol string) ([]domain.CachedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CachedOrder, len(m.open))
	copy(out, m.open)
	return out, nil
}
func (m *mockExchange) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionRisk, nil
}
func (m *mockExchange) CreateListenKey(ctx context.Context) (string, error) { return "k", nil }
func (m *mockExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return nil
}
func (m *mockExchange) CloseListenKey(ctx context.Context, listenKey string) error { return nil }
func (m *mockExchange) StreamUserData(listenKey string, handler func(*domain.StreamEvent), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	return nil, nil, nil
}

type mockCycleRepo struct {
	mu         sync.Mutex
	cycles     []*domain.Cycle
	countToday int
}

func (m *mockCycleRepo) CreateCycle(ctx context.Context, c *domain.Cycle) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, c)
	c.ID = int64(len(m.cycles))
	return c.ID, nil
}
func (m *mockCycleRepo) FindRecentBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Cycle, error) {
	return nil, nil
}
func (m *mockCycleRepo) CountTodayBySymbol(ctx context.Context, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countToday, nil
}
func (m *mockCycleRepo) TotalProfit(ctx context.Context) (float64, error) { return 0, nil }

func testConfig() *config.Config {
	return &config.Config{
		Symbol:                "BTCUSDT",
		QuoteAsset:            "USDT",
		Leverage:              10,
		PricePrecision:        1,
		QuantityPrecision:     4,
		BaseQuantity:          0.0001,
		FeeRate:               0.000064,
		TakeProfitFeeMultiple: 2,
		DropFeeMultiple:       150,
		LadderMultiplier:      2.0,
		MaxMartingaleLevels:   5,
		MarginSafetyFactor:    1.5,
		SlippageTolerance:     0.002,
		VolatilityWindow:      time.Minute,
		VolatilityThreshold:   0.01,
		CooldownBase:          5 * time.Minute,
		CooldownMultiplier:    3.0,
		CacheTTL:              30 * time.Second,
		CacheErrorThreshold:   3,
		DedupWindow:           30 * time.Second,
		PriceCacheTTL:         10 * time.Second,
		ReconcileMaxAttempts:  5,
		ReconcilePollDelay:    time.Millisecond,
		RestartDelay:          10 * time.Second,
		TickInterval:          5 * time.Second,
	}
}

func newTestService(t *testing.T, ex *mockExchange) (*Service, *mockCycleRepo, *mockLogger) {
	t.Helper()
	cfg := testConfig()
	log := &mockLogger{}
	repo := &mockCycleRepo{}

	cache, err := ordercache.New(ordercache.Config{
		Symbol:            cfg.Symbol,
		TTL:               cfg.CacheTTL,
		ErrorThreshold:    cfg.CacheErrorThreshold,
		PricePrecision:    cfg.PricePrecision,
		QuantityPrecision: cfg.QuantityPrecision,
		Logger:            log,
	})
	require.NoError(t, err)

	vol, err := volatility.New(volatility.Config{
		Symbol:             cfg.Symbol,
		Window:             cfg.VolatilityWindow,
		Threshold:          cfg.VolatilityThreshold,
		CooldownBase:       cfg.CooldownBase,
		CooldownMultiplier: cfg.CooldownMultiplier,
		Exchange:           ex,
		Logger:             log,
	})
	require.NoError(t, err)

	riskMgr, err := risk.New(risk.Config{
		Leverage:              cfg.Leverage,
		FeeRate:               cfg.FeeRate,
		TakeProfitFeeMultiple: cfg.TakeProfitFeeMultiple,
		DropFeeMultiple:       cfg.DropFeeMultiple,
		LadderMultiplier:      cfg.LadderMultiplier,
		MaxLevels:             cfg.MaxMartingaleLevels,
		BaseQuantity:          cfg.BaseQuantity,
		MarginSafetyFactor:    cfg.MarginSafetyFactor,
		BaseSlippageTolerance: cfg.SlippageTolerance,
		VolatilityThreshold:   cfg.VolatilityThreshold,
		PricePrecision:        cfg.PricePrecision,
		QuantityPrecision:     cfg.QuantityPrecision,
		Logger:                log,
	})
	require.NoError(t, err)

	eng, err := reconcile.New(reconcile.Config{
		Exchange:    ex,
		Cache:       cache,
		Logger:      log,
		MaxAttempts: cfg.ReconcileMaxAttempts,
		PollDelay:   cfg.ReconcilePollDelay,
	})
	require.NoError(t, err)

	svc, err := New(Config{
		Cfg:        cfg,
		Logger:     log,
		Exchange:   ex,
		Cycles:     repo,
		Cache:      cache,
		Volatility: vol,
		Risk:       riskMgr,
		Reconciler: eng,
	})
	require.NoError(t, err)
	return svc, repo, log
}

func fillEvent(orderID int64, avgPrice, filledQty float64) *domain.StreamEvent {
	return &domain.StreamEvent{
		Kind: domain.EventOrderUpdate,
		Time: time.Now(),
		Order: &domain.OrderUpdate{
			OrderID:        orderID,
			Symbol:         "BTCUSDT",
			Side:           domain.Buy,
			Status:         domain.OrderStatusFilled,
			AvgFillPrice:   avgPrice,
			FilledQuantity: filledQty,
			TradeTime:      time.Now(),
		},
	}
}

func TestFullCycleScenario(t *testing.T) {
	ex := newMockExchange()
	svc, repo, _ := newTestService(t, ex)
	ctx := context.Background()

	// Idle -> AwaitingInitialFill: market entry placed.
	svc.tryStartCycle(ctx)
	require.Equal(t, domain.CycleAwaitingInitialFill, svc.state)
	market, ok := ex.lastPlacement("market")
	require.True(t, ok)
	assert.Equal(t, domain.Buy, market.side)
	assert.Equal(t, "0.0001", market.quantity)
	assert.Equal(t, market.orderID, svc.position.OpenOrderID)

	// AwaitingInitialFill -> PositionOpen: fill at 50,000 places TP and rung.
	svc.handleEvent(ctx, fillEvent(market.orderID, 50000, 0.0001))
	require.Equal(t, domain.CyclePositionOpen, svc.state)
	assert.InDelta(t, 0.0001, svc.position.Quantity, 1e-12)
	assert.InDelta(t, 50000, svc.position.AvgEntryPrice, 1e-9)
	assert.Equal(t, 0, svc.position.MartingaleLevel)

	tp, ok := ex.lastPlacement("tp")
	require.True(t, ok)
	assert.Equal(t, domain.Sell, tp.side)
	assert.Equal(t, "50006.4", tp.price) // 50,000 x (1 + 2 x 0.000064)
	assert.Equal(t, "0.0001", tp.quantity)
	assert.Equal(t, tp.orderID, svc.position.TakeProfitOrderID)

	rung, ok := ex.lastPlacement("limit")
	require.True(t, ok)
	assert.Equal(t, domain.Buy, rung.side)
	assert.Equal(t, "49520.0", rung.price) // 50,000 x (1 - 150 x 0.000064)
	assert.Equal(t, "0.0002", rung.quantity)
	assert.Equal(t, rung.orderID, svc.position.MartingaleBuyOrderID)

	// Rung fill advances the ladder. The exchange's position view is
	// refetched rather than computed locally.
	ex.mu.Lock()
	ex.positionRisk = &ports.PositionRisk{
		Symbol:      "BTCUSDT",
		PositionAmt: 0.0003,
		EntryPrice:  49680,
		Leverage:    10,
	}
	ex.mu.Unlock()

	svc.handleEvent(ctx, fillEvent(rung.orderID, 49520, 0.0002))
	require.Equal(t, domain.CyclePositionOpen, svc.state)
	assert.Equal(t, 1, svc.position.MartingaleLevel)
	assert.InDelta(t, 0.0003, svc.position.Quantity, 1e-12)
	assert.InDelta(t, 49680, svc.position.AvgEntryPrice, 1e-9)

	tp2, ok := ex.lastPlacement("tp")
	require.True(t, ok)
	assert.Equal(t, "49686.4", tp2.price) // 49,680 x 1.000128, rounded
	assert.Equal(t, "0.0003", tp2.quantity)

	rung2, ok := ex.lastPlacement("limit")
	require.True(t, ok)
	assert.Equal(t, "0.0004", rung2.quantity)
	assert.NotEqual(t, rung.orderID, rung2.orderID)

	// Take-profit fill completes the cycle: back to Idle, fully zeroed.
	ex.mu.Lock()
	ex.positionRisk = nil
	ex.mu.Unlock()
	svc.handleEvent(ctx, fillEvent(tp2.orderID, 49686.4, 0.0003))

	assert.Equal(t, domain.CycleIdle, svc.state)
	assert.True(t, svc.position.IsFlat())
	assert.Equal(t, 0, svc.position.MartingaleLevel)
	assert.Zero(t, svc.position.TakeProfitOrderID)
	assert.Zero(t, svc.position.MartingaleBuyOrderID)
	assert.Zero(t, svc.expectedEntry)
	assert.Zero(t, svc.expectedRung)
	assert.Equal(t, 1, svc.cyclesToday)
	assert.False(t, svc.nextCycleAt.IsZero())

	repo.mu.Lock()
	require.Len(t, repo.cycles, 1)
	c := repo.cycles[0]
	repo.mu.Unlock()
	assert.Equal(t, domain.CloseReasonTakeProfit, c.CloseReason)
	assert.Equal(t, 1, c.RungsFilled)
	assert.InDelta(t, 49680, c.AvgEntryPrice, 1e-9)
}

func TestPartialBracketFailureAbortsCycle(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	svc.tryStartCycle(ctx)
	market, ok := ex.lastPlacement("market")
	require.True(t, ok)

	// TP succeeds, rung fails: the half-placed bracket must be torn down
	// through reconciliation, not left standing.
	ex.limitErr = ports.ErrOrderPlacementFailed
	svc.handleEvent(ctx, fillEvent(market.orderID, 50000, 0.0001))

	assert.Equal(t, domain.CycleIdle, svc.state)
	assert.True(t, svc.position.IsFlat())
	assert.Zero(t, svc.position.TakeProfitOrderID)
	assert.Zero(t, svc.expectedEntry)
	assert.GreaterOrEqual(t, ex.cancelAllCnt, 1)
	assert.False(t, svc.nextCycleAt.IsZero())
}

func TestAnomalousRungFillClampsLevel(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	svc.tryStartCycle(ctx)
	market, _ := ex.lastPlacement("market")
	svc.handleEvent(ctx, fillEvent(market.orderID, 50000, 0.0001))
	rung, _ := ex.lastPlacement("limit")

	ex.mu.Lock()
	ex.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 0.0003, EntryPrice: 49000, Leverage: 10}
	ex.mu.Unlock()

	// Fill far below the resting limit price: more than twice the
	// slippage tolerance away, so the level is clamped down, never up.
	svc.handleEvent(ctx, fillEvent(rung.orderID, 48000, 0.0002))

	assert.Equal(t, domain.CyclePositionOpen, svc.state)
	assert.Equal(t, 0, svc.position.MartingaleLevel)
}

func TestTrackedOrderCancellationClearsReference(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	svc.tryStartCycle(ctx)
	market, _ := ex.lastPlacement("market")
	svc.handleEvent(ctx, fillEvent(market.orderID, 50000, 0.0001))
	rung, _ := ex.lastPlacement("limit")

	ev := fillEvent(rung.orderID, 0, 0)
	ev.Order.Status = domain.OrderStatusCanceled
	svc.handleEvent(ctx, ev)

	// No forced transition; the dangling reference is simply cleared for
	// the next reconciliation pass to deal with.
	assert.Equal(t, domain.CyclePositionOpen, svc.state)
	assert.Zero(t, svc.position.MartingaleBuyOrderID)
	assert.NotZero(t, svc.position.TakeProfitOrderID)
}

func TestUntrackedEventsIgnored(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	svc.tryStartCycle(ctx)
	require.Equal(t, domain.CycleAwaitingInitialFill, svc.state)

	// A fill for an order the position never tracked must not transition.
	svc.handleEvent(ctx, fillEvent(9999, 50000, 0.0001))
	assert.Equal(t, domain.CycleAwaitingInitialFill, svc.state)
}

func TestRepeatedReconcileFailuresDeactivate(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	err := ports.ErrReconcileFailed
	svc.onReconcileFailure(ctx, err)
	assert.True(t, svc.active)
	svc.onReconcileFailure(ctx, err)
	assert.True(t, svc.active)
	svc.onReconcileFailure(ctx, err)
	assert.False(t, svc.active)

	ok, reason := svc.canStartCycle(ctx)
	assert.False(t, ok)
	assert.Equal(t, "bot is inactive", reason)
}

func TestDailyBudgetRollsOverAtMidnight(t *testing.T) {
	ex := newMockExchange()
	svc, repo, _ := newTestService(t, ex)
	ctx := context.Background()

	base := time.Now()
	svc.nowFn = func() time.Time { return base }
	svc.cfg.MaxCyclesPerDay = 1
	svc.budgetDay = utcDay(base)
	svc.cyclesToday = 1
	repo.countToday = 0

	ok, reason := svc.canStartCycle(ctx)
	require.False(t, ok)
	require.Equal(t, "daily cycle budget exhausted", reason)

	// Past UTC midnight the counter must be re-seeded from the repository,
	// not carried over from yesterday.
	svc.nowFn = func() time.Time { return base.Add(25 * time.Hour) }
	ok, _ = svc.canStartCycle(ctx)
	assert.True(t, ok)
	assert.Equal(t, 0, svc.cyclesToday)
	assert.Equal(t, utcDay(base.Add(25*time.Hour)), svc.budgetDay)
}

func TestLivePositionLeavesBotIdle(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	// An unexpected live position blocks entry; the pass through Cleaning
	// must end back in Idle so the next tick retries.
	ex.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 0.0005, EntryPrice: 49000, Leverage: 10}
	svc.tryStartCycle(ctx)

	assert.Equal(t, domain.CycleIdle, svc.state)
	_, placed := ex.lastPlacement("market")
	assert.False(t, placed)
}

func TestRungOrderTaggedInCache(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	svc.tryStartCycle(ctx)
	market, _ := ex.lastPlacement("market")
	svc.handleEvent(ctx, fillEvent(market.orderID, 50000, 0.0001))
	rung, _ := ex.lastPlacement("limit")

	cached, ok := svc.cache.Get(rung.orderID)
	require.True(t, ok)
	assert.True(t, cached.IsMartingaleLeg)
	assert.Equal(t, domain.OrderStatusNew, cached.Status)

	// Stream snapshots don't know about leg tagging; an update without the
	// flag must not lose it.
	_, err := svc.cache.Upsert(domain.CachedOrder{
		ID:       rung.orderID,
		Symbol:   "BTCUSDT",
		Side:     domain.Buy,
		Type:     domain.OrderTypeLimit,
		Status:   domain.OrderStatusPartiallyFilled,
		Price:    cached.Price,
		Quantity: cached.Quantity,
	})
	require.NoError(t, err)
	cached, ok = svc.cache.Get(rung.orderID)
	require.True(t, ok)
	assert.True(t, cached.IsMartingaleLeg)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, cached.Status)
}

func TestPriceSamplingHonorsGatewayCacheTTL(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	svc.active = false // ticks only sample, no cycle starts
	base := time.Now()
	svc.nowFn = func() time.Time { return base }
	ex.tickerPrice = 50000
	svc.onTick(ctx)

	// 5s later the gateway would still serve the cached quote (10s TTL);
	// the tick must not record a duplicate sample.
	ex.tickerPrice = 51000
	svc.nowFn = func() time.Time { return base.Add(5 * time.Second) }
	svc.onTick(ctx)
	assert.Zero(t, svc.vol.EstimateVolatility())

	svc.nowFn = func() time.Time { return base.Add(10 * time.Second) }
	svc.onTick(ctx)
	assert.Greater(t, svc.vol.EstimateVolatility(), 0.0)
}

func TestCooldownGatesEntries(t *testing.T) {
	ex := newMockExchange()
	svc, _, _ := newTestService(t, ex)
	ctx := context.Background()

	// Wild price path inside the window pushes estimated volatility over
	// the threshold; starting a cycle must cool down instead of entering.
	now := time.Now()
	for i, p := range []float64{50000, 51200, 49700, 51500} {
		svc.vol.RecordPrice(p, now.Add(time.Duration(i)*time.Second))
	}

	svc.tryStartCycle(ctx)
	assert.Equal(t, domain.CycleCooldown, svc.state)
	_, placed := ex.lastPlacement("market")
	assert.False(t, placed)
}
