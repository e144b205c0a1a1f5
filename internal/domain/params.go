package domain

import (
	"time"

	"futures_go/pkg/quant"
)

// StallPolicy decides what happens to a TWAP slice that is still working when
// the next slice is due.
type StallPolicy string

const (
	// StallMarketFallback cancels the stalled slice and re-submits its
	// remaining quantity as an immediate market order.
	StallMarketFallback StallPolicy = "MARKET_FALLBACK"
	// StallCarryForward cancels the stalled slice and folds its remaining
	// quantity into the next slice.
	StallCarryForward StallPolicy = "CARRY_FORWARD"
)

// OCOParams places a take-profit / stop-loss pair closing an open position.
// Side is the exit side: SELL closes a long, BUY closes a short.
type OCOParams struct {
	Symbol           string
	Side             Side
	QtySats          quant.QtySats
	TakeProfitMicros quant.PriceMicros
	StopLossMicros   quant.PriceMicros
}

// TWAPParams slices TotalSats into SliceCount timed orders over Duration.
type TWAPParams struct {
	Symbol     string
	Side       Side
	TotalSats  quant.QtySats
	Duration   time.Duration
	SliceCount int
	Stall      StallPolicy // defaults to StallMarketFallback
}

// Interval is the fixed spacing between slice issue times.
func (p TWAPParams) Interval() time.Duration {
	if p.SliceCount <= 0 {
		return 0
	}
	return p.Duration / time.Duration(p.SliceCount)
}

// GridParams lays a ladder of Levels evenly spaced orders between the bounds.
type GridParams struct {
	Symbol    string
	MinMicros quant.PriceMicros
	MaxMicros quant.PriceMicros
	Levels    int
	TotalSats quant.QtySats
}

// GridLevel is one fixed rung of the ladder. The price never changes after
// creation; only the active order and counters move.
type GridLevel struct {
	Index       int
	PriceMicros quant.PriceMicros
	Side        Side          // side of the currently desired order at this rung
	QtySats     quant.QtySats // per-level quantity
	Active      *OrderRef     // nil when the rung holds no working order
	RoundTrips  int
}

// TWAPSlice is one time-bounded sub-order of a TWAP execution.
type TWAPSlice struct {
	Index          int
	ScheduledUnixM quant.TimeStamp
	QtySats        quant.QtySats
	Ref            *OrderRef
	Done           bool
}
