package domain

import "time"

// StreamEventKind classifies decoded user-data stream frames.
type StreamEventKind string

const (
	EventOrderUpdate       StreamEventKind = "OrderUpdate"
	EventAccountUpdate     StreamEventKind = "AccountUpdate"
	EventCredentialExpired StreamEventKind = "CredentialExpired"
)

// StreamEvent is one decoded event from the account/order stream. Exactly
// one of Order and Account is set, depending on Kind.
type StreamEvent struct {
	Kind    StreamEventKind
	Time    time.Time
	Order   *OrderUpdate
	Account *AccountUpdate
}

// OrderUpdate carries the fields of an order-trade update the core consumes.
type OrderUpdate struct {
	OrderID        int64
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	Price          float64 // original order price (0 for market)
	Quantity       float64 // original order quantity
	FilledQuantity float64 // cumulative filled quantity
	AvgFillPrice   float64
	LastFillPrice  float64
	TradeTime      time.Time
}

// Snapshot converts the update into the cache's order representation.
func (u *OrderUpdate) Snapshot() CachedOrder {
	return CachedOrder{
		ID:            u.OrderID,
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Side:          u.Side,
		Type:          u.Type,
		Status:        u.Status,
		Price:         u.Price,
		Quantity:      u.Quantity,
		UpdatedAt:     u.TradeTime,
	}
}

// AccountUpdate carries balance and position deltas from an account event.
type AccountUpdate struct {
	Balances  map[string]float64 // asset -> wallet balance
	Positions []AccountPosition
}

// AccountPosition is the exchange's view of one symbol's exposure as
// reported on the stream.
type AccountPosition struct {
	Symbol        string
	PositionAmt   float64
	EntryPrice    float64
	UnrealizedPnL float64
}
