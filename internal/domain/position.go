package domain

import "time"

// Position is the bot's belief about its aggregate exposure for one symbol.
// The order-reference fields are weak references into the order cache: a
// stale id degrades to a cache miss, never a dangling pointer. Zero means
// "no tracked order".
type Position struct {
	Symbol          string
	Quantity        float64      // base-asset units, >= 0
	AvgEntryPrice   float64      // > 0 once Quantity > 0
	EntryValueUSD   float64      // Quantity * AvgEntryPrice at last refresh
	Side            PositionSide // fixed Long for this strategy
	MartingaleLevel int          // 0 = initial fill, incremented per filled rung
	EntryTime       time.Time    // time the cycle's initial fill arrived

	// Tracked order ids, cleared when the referenced order terminates.
	OpenOrderID          int64
	TakeProfitOrderID    int64
	MartingaleBuyOrderID int64
}

// IsFlat reports whether no exposure is held.
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// HasTrackedOrder reports whether the given exchange order id matches any
// of the position's tracked references.
func (p *Position) HasTrackedOrder(orderID int64) bool {
	if orderID == 0 {
		return false
	}
	return orderID == p.OpenOrderID || orderID == p.TakeProfitOrderID || orderID == p.MartingaleBuyOrderID
}

// ClearOrderRef nulls out whichever tracked reference matches orderID.
func (p *Position) ClearOrderRef(orderID int64) {
	if orderID == p.OpenOrderID {
		p.OpenOrderID = 0
	}
	if orderID == p.TakeProfitOrderID {
		p.TakeProfitOrderID = 0
	}
	if orderID == p.MartingaleBuyOrderID {
		p.MartingaleBuyOrderID = 0
	}
}

// Reset returns the position to its zero state. Invariant after reset:
// Quantity == 0 implies all order references and MartingaleLevel are zero.
func (p *Position) Reset() {
	symbol := p.Symbol
	*p = Position{Symbol: symbol, Side: Long}
}
