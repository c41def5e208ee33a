package domain

import "time"

// CachedOrder is one snapshot of an exchange order as held by the order
// cache. The cache owns these exclusively; callers always receive copies.
type CachedOrder struct {
	ID              int64 // exchange-assigned, primary key
	ClientOrderID   string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Status          OrderStatus
	Price           float64
	Quantity        float64
	IsMartingaleLeg bool
	UpdatedAt       time.Time
}

// Valid reports whether the snapshot carries the minimum fields the cache
// requires. Events missing an id or status are rejected without mutating
// cache state.
func (o *CachedOrder) Valid() bool {
	return o.ID != 0 && o.Status != "" && o.Symbol != ""
}
