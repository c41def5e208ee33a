package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType represents the execution type of an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus represents the exchange-reported status of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsCancellable reports whether the order is still resting on the book.
func (s OrderStatus) IsCancellable() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// PositionSide represents the direction of the bot's aggregate exposure.
// The ladder strategy is long-only.
type PositionSide string

const (
	Long PositionSide = "LONG"
)

// CycleState represents the orchestrator's position in the trading cycle.
type CycleState string

const (
	CycleIdle                CycleState = "Idle"
	CycleAwaitingInitialFill CycleState = "AwaitingInitialFill"
	CyclePositionOpen        CycleState = "PositionOpen"
	CycleCleaning            CycleState = "Cleaning"
	CycleCooldown            CycleState = "Cooldown"
)

// CloseReason indicates why a cycle ended.
type CloseReason string

const (
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonReconcile  CloseReason = "RECONCILE_FAILURE"
	CloseReasonCooldown   CloseReason = "COOLDOWN"
	CloseReasonShutdown   CloseReason = "SHUTDOWN"
	CloseReasonUnknown    CloseReason = "Unknown"
)
