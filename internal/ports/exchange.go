package ports

import (
	"context"
	"time"

	"ladderbot/internal/domain"
)

// OrderResponse represents the essential details returned after placing or
// cancelling an order.
type OrderResponse struct {
	OrderID       int64
	Symbol        string
	ClientOrderID string
	Price         float64 // order price (0 for market orders initially)
	AvgPrice      float64 // average filled price
	OrigQuantity  float64
	ExecutedQty   float64
	Status        domain.OrderStatus
	Type          domain.OrderType
	Side          domain.OrderSide
	Timestamp     time.Time
}

// PositionRisk represents the exchange's authoritative view of an open
// position. Fee and rounding effects make local position math unreliable,
// so the orchestrator refetches this after every ladder fill.
type PositionRisk struct {
	Symbol           string
	PositionAmt      float64 // positive for long, negative for short
	EntryPrice       float64 // average entry price
	MarkPrice        float64
	UnRealizedProfit float64
	LiquidationPrice float64
	Leverage         int
}

// ExchangeClient defines the interface for interacting with the derivatives
// exchange. This abstraction decouples the cycle engine from the concrete
// exchange implementation.
type ExchangeClient interface {
	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// Ping checks connectivity to the exchange API.
	Ping(ctx context.Context) error

	// GetTickerPrice retrieves the last traded price for a symbol.
	// Implementations cache the value with a short TTL.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetAccountBalance retrieves the available balance for an asset
	// (e.g. "USDT"). Implementations cache the value with a short TTL.
	GetAccountBalance(ctx context.Context, asset string) (float64, error)

	// SetLeverage sets the leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceMarketOrder places a market order.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string) (*OrderResponse, error)

	// PlaceLimitOrder places a GTC limit order.
	PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price, clientOrderID string) (*OrderResponse, error)

	// PlaceTakeProfitOrder places the position-closing limit sell.
	PlaceTakeProfitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price, clientOrderID string) (*OrderResponse, error)

	// CancelOrder cancels an open order by id. Implementations map
	// "order does not exist" to ErrOrderNotFound; callers that only need
	// the order gone treat that as success.
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// CancelAllOrders cancels every open order for the symbol.
	CancelAllOrders(ctx context.Context, symbol string) error

	// ListOpenOrders retrieves the exchange's open-order set for a symbol.
	ListOpenOrders(ctx context.Context, symbol string) ([]domain.CachedOrder, error)

	// GetPositionRisk retrieves the authoritative position for a symbol.
	// Returns nil if no position exists.
	GetPositionRisk(ctx context.Context, symbol string) (*PositionRisk, error)

	// CreateListenKey obtains a new stream subscription credential.
	CreateListenKey(ctx context.Context) (string, error)

	// KeepAliveListenKey renews a credential. Required periodically,
	// independent of socket liveness.
	KeepAliveListenKey(ctx context.Context, listenKey string) error

	// CloseListenKey invalidates a credential on shutdown.
	CloseListenKey(ctx context.Context, listenKey string) error

	// StreamUserData opens one raw user-data connection for the credential
	// and delivers decoded events to handler. It performs no reconnection:
	// the stream manager owns retry, backoff and credential refresh.
	// doneCh closes when the connection ends; sending on stopCh closes it.
	StreamUserData(listenKey string, handler func(*domain.StreamEvent), errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
