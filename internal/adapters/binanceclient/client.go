package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"ladderbot/internal/domain"
	"ladderbot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	defaultPriceTTL   = 10 * time.Second
	defaultBalanceTTL = 60 * time.Second
)

// cachedValue is a float with an expiry, guarding the hot read paths
// (ticker price, balance) against hammering the REST API.
type cachedValue struct {
	mu    sync.Mutex
	value float64
	at    time.Time
}

func (c *cachedValue) get(ttl time.Duration, now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.at.IsZero() || now.Sub(c.at) > ttl {
		return 0, false
	}
	return c.value, true
}

func (c *cachedValue) set(v float64, now time.Time) {
	c.mu.Lock()
	c.value = v
	c.at = now
	c.mu.Unlock()
}

// Client implements the ports.ExchangeClient interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	limiter       *rate.Limiter

	priceTTL   time.Duration
	balanceTTL time.Duration
	prices     sync.Map // symbol -> *cachedValue
	balances   sync.Map // asset -> *cachedValue
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey            string
	SecretKey         string
	UseTestnet        bool
	Logger            ports.Logger
	RequestsPerSecond float64       // REST request pacing (default 8)
	RequestBurst      int           // limiter burst (default 16)
	PriceCacheTTL     time.Duration // ticker price cache (default 10s)
	BalanceCacheTTL   time.Duration // balance cache (default 60s)
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("API key and secret are required: %w", ports.ErrConfigurationError)
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	burst := cfg.RequestBurst
	if burst <= 0 {
		burst = 16
	}
	priceTTL := cfg.PriceCacheTTL
	if priceTTL <= 0 {
		priceTTL = defaultPriceTTL
	}
	balanceTTL := cfg.BalanceCacheTTL
	if balanceTTL <= 0 {
		balanceTTL = defaultBalanceTTL
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
		priceTTL:      priceTTL,
		balanceTTL:    balanceTTL,
	}, nil
}

// pace blocks until the rate limiter admits another REST request.
func (c *Client) pace(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w: %v", ports.ErrContextCanceled, err)
	}
	return nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API key format / permissions
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005, -3041: // Insufficient margin / balance / position
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4014, -4015: // Qty / price / leverage out of range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		case -4047: // Max position at current leverage exceeded
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if err := c.pace(ctx); err != nil {
		return err
	}
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.pace(ctx); err != nil {
		return err
	}
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetTickerPrice retrieves the last ticker price for a given symbol, served
// from a short-lived cache when possible.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	entry, _ := c.prices.LoadOrStore(symbol, &cachedValue{})
	cached := entry.(*cachedValue)
	if v, ok := cached.get(c.priceTTL, time.Now()); ok {
		return v, nil
	}

	if err := c.pace(ctx); err != nil {
		return 0, err
	}
	tickers, err := c.futuresClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return 0, c.handleError(ctx, fmt.Errorf("no ticker data returned for symbol %s", symbol), op)
	}

	price, err := strconv.ParseFloat(tickers[0].Price, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].Price, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	cached.set(price, time.Now())
	return price, nil
}

// GetAccountBalance retrieves the available balance for a specific asset
// (e.g. "USDT"), served from a short-lived cache when possible.
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAccountBalance"
	entry, _ := c.balances.LoadOrStore(asset, &cachedValue{})
	cached := entry.(*cachedValue)
	if v, ok := cached.get(c.balanceTTL, time.Now()); ok {
		return v, nil
	}

	if err := c.pace(ctx); err != nil {
		return 0, err
	}
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			// AvailableBalance, not WalletBalance: margin checks care about
			// what can still be committed.
			balance, err := strconv.ParseFloat(bal.AvailableBalance, 64)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.AvailableBalance, asset, err)
				return 0, c.handleError(ctx, parseErr, op)
			}
			cached.set(balance, time.Now())
			return balance, nil
		}
	}

	return 0, c.handleError(ctx, fmt.Errorf("asset %s not found in account balance", asset), op)
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	if err := c.pace(ctx); err != nil {
		return err
	}
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// PlaceMarketOrder places a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "quantity": quantity, "orderID": resp.OrderID, "avgPrice": resp.AvgPrice})
	return resp, nil
}

// PlaceLimitOrder places a GTC limit order with a caller-chosen client order id.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price, clientOrderID string) (*ports.OrderResponse, error) {
	op := "PlaceLimitOrder"
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(quantity).
		Price(price)
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "quantity": quantity, "price": price, "orderID": resp.OrderID})
	return resp, nil
}

// PlaceTakeProfitOrder places the position-closing conditional limit order.
// Trigger and limit price are the same fee-adjusted level.
func (c *Client) PlaceTakeProfitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price, clientOrderID string) (*ports.OrderResponse, error) {
	op := "PlaceTakeProfitOrder"
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeTakeProfit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(quantity).
		Price(price).
		StopPrice(price).
		ReduceOnly(true)
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "quantity": quantity, "price": price, "orderID": resp.OrderID, "status": resp.Status})
	return resp, nil
}

// CancelOrder cancels an open order. A missing order maps to ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	op := "CancelOrder"
	if err := c.pace(ctx); err != nil {
		return err
	}
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	_, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// CancelAllOrders cancels every open order for the symbol in one call.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	op := "CancelAllOrders"
	if err := c.pace(ctx); err != nil {
		return err
	}
	if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

// ListOpenOrders retrieves the exchange's open-order set for the symbol.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]domain.CachedOrder, error) {
	op := "ListOpenOrders"
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]domain.CachedOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, translateOrder(o))
	}
	return out, nil
}

// GetPositionRisk retrieves the risk information for a specific position symbol.
// Returns nil when the symbol has no open position.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	op := "GetPositionRisk"
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(positions) == 0 {
		c.logger.Debug(ctx, op+": No position found for symbol", map[string]interface{}{"symbol": symbol})
		return nil, nil
	}

	binancePos := positions[0]
	qty, _ := strconv.ParseFloat(binancePos.PositionAmt, 64)
	if qty == 0 {
		c.logger.Debug(ctx, op+": Position amount is zero for symbol", map[string]interface{}{"symbol": symbol})
		return nil, nil
	}
	return translatePositionRisk(binancePos), nil
}

// --- Translation Helpers ---

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        domain.OrderStatus(order.Status),
		Type:          domain.OrderType(order.Type),
		Side:          domain.OrderSide(order.Side),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translateOrder(o *futures.Order) domain.CachedOrder {
	price, _ := strconv.ParseFloat(o.Price, 64)
	qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	return domain.CachedOrder{
		ID:            o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        domain.OrderStatus(o.Status),
		Price:         price,
		Quantity:      qty,
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) *ports.PositionRisk {
	if pos == nil {
		return nil
	}
	posAmt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
	liqPrice, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage)

	return &ports.PositionRisk{
		Symbol:           pos.Symbol,
		PositionAmt:      posAmt,
		EntryPrice:       entryPrice,
		MarkPrice:        markPrice,
		UnRealizedProfit: unProfit,
		LiquidationPrice: liqPrice,
		Leverage:         leverage,
	}
}
