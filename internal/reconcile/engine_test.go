package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladderbot/internal/domain"
	"ladderbot/internal/ordercache"
	"ladderbot/internal/ports"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockExchange simulates the open-order set for a symbol. CancelAllOrders is
// deliberately a no-op so the tests exercise the individual-cancel loop.
type mockExchange struct {
	mu           sync.Mutex
	open         []domain.CachedOrder
	cancelErrs   map[int64]error
	cancelled    []int64
	listCalls    int
	listErr      error
	listErrTimes int // return listErr for the first N calls only
	cancelAllErr error
}

func (m *mockExchange) ListOpenOrders(ctx context.Context, symbol string) ([]domain.CachedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil && (m.listErrTimes == 0 || m.listCalls <= m.listErrTimes) {
		return nil, m.listErr
	}
	out := make([]domain.CachedOrder, len(m.open))
	copy(out, m.open)
	return out, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	if err, ok := m.cancelErrs[orderID]; ok {
		if errors.Is(err, ports.ErrOrderNotFound) {
			m.remove(orderID)
		}
		return err
	}
	m.remove(orderID)
	return nil
}

func (m *mockExchange) remove(orderID int64) {
	for i, o := range m.open {
		if o.ID == orderID {
			m.open = append(m.open[:i], m.open[i+1:]...)
			return
		}
	}
}

func (m *mockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	return m.cancelAllErr
}

func (m *mockExchange) SetServerTime(ctx context.Context) error { return nil }
func (m *mockExchange) Ping(ctx context.Context) error          { return nil }
func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (m *mockExchange) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	return 0, nil
}
func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}
func (m *mockExchange) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string) (*ports.OrderResponse, error) {
	return nil, nil
}
func (m *mockExchange) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price, clientOrderID string) (*ports.OrderResponse, error) {
	return nil, nil
}
func (m *mockExchange) PlaceTakeProfitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price, clientOrderID string) (*ports.OrderResponse, error) {
	return nil, nil
}
func (m *mockExchange) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	return nil, nil
}
func (m *mockExchange) CreateListenKey(ctx context.Context) (string, error) { return "", nil }
func (m *mockExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return nil
}
func (m *mockExchange) CloseListenKey(ctx context.Context, listenKey string) error { return nil }
func (m *mockExchange) StreamUserData(listenKey string, handler func(*domain.StreamEvent), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	return nil, nil, nil
}

func testOrder(id int64) domain.CachedOrder {
	return domain.CachedOrder{
		ID:        id,
		Symbol:    "ETHUSDT",
		Side:      domain.Buy,
		Type:      domain.OrderTypeLimit,
		Status:    domain.OrderStatusNew,
		Price:     2500.0,
		Quantity:  0.01,
		UpdatedAt: time.Now(),
	}
}

func newTestEngine(t *testing.T, ex ports.ExchangeClient) (*Engine, *ordercache.Cache) {
	t.Helper()
	cache, err := ordercache.New(ordercache.Config{
		Symbol:            "ETHUSDT",
		PricePrecision:    2,
		QuantityPrecision: 3,
		Logger:            noopLogger{},
	})
	require.NoError(t, err)
	eng, err := New(Config{
		Exchange:    ex,
		Cache:       cache,
		Logger:      noopLogger{},
		MaxAttempts: 5,
		PollDelay:   time.Millisecond,
	})
	require.NoError(t, err)
	return eng, cache
}

func openPosition() *domain.Position {
	return &domain.Position{
		Symbol:            "ETHUSDT",
		Quantity:          0.03,
		AvgEntryPrice:     2500.0,
		Side:              domain.Long,
		MartingaleLevel:   2,
		TakeProfitOrderID: 11,
		MartingaleBuyOrderID: 12,
	}
}

func TestReconcileConvergence(t *testing.T) {
	ex := &mockExchange{open: []domain.CachedOrder{testOrder(11), testOrder(12), testOrder(13)}}
	eng, cache := newTestEngine(t, ex)
	pos := openPosition()

	err := eng.Reconcile(context.Background(), "ETHUSDT", pos)
	require.NoError(t, err)

	assert.True(t, pos.IsFlat())
	assert.Equal(t, 0, pos.MartingaleLevel)
	assert.Zero(t, pos.TakeProfitOrderID)
	assert.Zero(t, pos.MartingaleBuyOrderID)
	assert.ElementsMatch(t, []int64{11, 12, 13}, ex.cancelled)
	assert.Empty(t, cache.ListBySymbol("ETHUSDT"))
}

func TestReconcileAlreadyGoneOrderCountsAsSuccess(t *testing.T) {
	ex := &mockExchange{
		open:       []domain.CachedOrder{testOrder(21), testOrder(22)},
		cancelErrs: map[int64]error{22: ports.ErrOrderNotFound},
	}
	eng, _ := newTestEngine(t, ex)

	err := eng.Reconcile(context.Background(), "ETHUSDT", openPosition())
	require.NoError(t, err)
}

func TestReconcileTransientListFailuresRetried(t *testing.T) {
	ex := &mockExchange{
		open:         []domain.CachedOrder{testOrder(31)},
		listErr:      ports.ErrExchangeUnavailable,
		listErrTimes: 2,
	}
	eng, _ := newTestEngine(t, ex)

	err := eng.Reconcile(context.Background(), "ETHUSDT", openPosition())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ex.listCalls, 3)
}

func TestReconcileFailurePropagates(t *testing.T) {
	ex := &mockExchange{
		open:       []domain.CachedOrder{testOrder(41)},
		cancelErrs: map[int64]error{41: ports.ErrOrderCancelFailed},
	}
	eng, _ := newTestEngine(t, ex)
	pos := openPosition()

	err := eng.Reconcile(context.Background(), "ETHUSDT", pos)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrReconcileFailed)

	// Local state must not be zeroed when the exchange book is not clean.
	assert.False(t, pos.IsFlat())
	assert.Equal(t, 2, pos.MartingaleLevel)
	assert.Len(t, ex.cancelled, 5)
}

func TestReconcileMutualExclusion(t *testing.T) {
	ex := &mockExchange{}
	eng, _ := newTestEngine(t, ex)

	require.True(t, eng.TryAcquire())
	err := eng.Reconcile(context.Background(), "ETHUSDT", openPosition())
	assert.ErrorIs(t, err, ports.ErrReconcileInProgress)
	eng.Release()

	require.NoError(t, eng.Reconcile(context.Background(), "ETHUSDT", openPosition()))
}

func TestReconcileContextCancellation(t *testing.T) {
	ex := &mockExchange{
		open:       []domain.CachedOrder{testOrder(51)},
		cancelErrs: map[int64]error{51: ports.ErrOrderCancelFailed},
	}
	eng, _ := newTestEngine(t, ex)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := eng.Reconcile(ctx, "ETHUSDT", openPosition())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrContextCanceled)
}

func TestReconcileClearsFingerprints(t *testing.T) {
	ex := &mockExchange{}
	eng, cache := newTestEngine(t, ex)

	o := testOrder(61)
	cache.Remember(o)
	require.True(t, cache.IsDuplicate(o, time.Minute))

	require.NoError(t, eng.Reconcile(context.Background(), "ETHUSDT", openPosition()))
	assert.False(t, cache.IsDuplicate(o, time.Minute))
}
