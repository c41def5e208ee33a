package domain

import "time"

// Cycle is the record of one completed martingale cycle, persisted for
// reporting. It is written once when the cycle closes and never updated.
type Cycle struct {
	ID            int64
	Symbol        string
	AvgEntryPrice float64
	ExitPrice     float64
	Quantity      float64
	RungsFilled   int
	PNL           float64
	EntryTime     time.Time
	ExitTime      time.Time
	CloseReason   CloseReason
}
