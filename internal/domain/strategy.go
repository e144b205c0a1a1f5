package domain

import (
	"futures_go/pkg/quant"
)

// Kind selects the strategy controller.
type Kind string

const (
	KindOCO  Kind = "OCO"
	KindTWAP Kind = "TWAP"
	KindGrid Kind = "GRID"
)

// Status is the strategy instance lifecycle state.
// The lifecycle is monotone: PENDING -> ACTIVE -> terminal, with PAUSED and
// CANCELLING as transient detours.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusActive     Status = "ACTIVE"
	StatusPaused     Status = "PAUSED"
	StatusCancelling Status = "CANCELLING"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether the instance is done and immutable.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusActive, StatusFailed, StatusCancelled},
	StatusActive:     {StatusPaused, StatusCancelling, StatusCompleted, StatusCancelled, StatusFailed},
	StatusPaused:     {StatusActive, StatusCancelling, StatusCompleted, StatusCancelled, StatusFailed},
	StatusCancelling: {StatusCancelled, StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StrategyInstance is one run of an OCO, TWAP or Grid strategy.
// It exclusively owns its OrderRefs; once terminal it is never mutated again.
type StrategyInstance struct {
	ID           string
	Kind         Kind
	Symbol       string
	Side         Side
	Status       Status
	CreatedUnixM quant.TimeStamp
	Orders       []*OrderRef // creation order, used for tie-breaking
}

// Transition moves the instance to the given status, enforcing monotonicity.
// Illegal moves are ignored and reported as false; the caller decides whether
// that is a race or a bug.
func (si *StrategyInstance) Transition(to Status) bool {
	if !CanTransition(si.Status, to) {
		return false
	}
	si.Status = to
	return true
}

// AddOrder appends an owned order ref, stamping ownership.
func (si *StrategyInstance) AddOrder(ref *OrderRef) {
	ref.Owner = si.ID
	si.Orders = append(si.Orders, ref)
}

// FilledSats sums fills across all owned orders.
func (si *StrategyInstance) FilledSats() quant.QtySats {
	var total quant.QtySats
	for _, o := range si.Orders {
		total += o.FilledSats
	}
	return total
}

// Snapshot is a read-only copy of instance state handed to external callers.
type Snapshot struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side,omitempty"`
	Status       Status          `json:"status"`
	CreatedUnixM quant.TimeStamp `json:"created_unix"`
	Orders       []OrderRef      `json:"orders"`

	FilledSats quant.QtySats `json:"filled_sats"`

	// TWAP only
	VWAPMicros quant.PriceMicros `json:"vwap,omitempty"`

	// Grid only
	OpenInventorySats quant.QtySats     `json:"open_inventory,omitempty"`
	RoundTrips        int               `json:"round_trips,omitempty"`
	AvgBuyMicros      quant.PriceMicros `json:"avg_buy,omitempty"`
	AvgSellMicros     quant.PriceMicros `json:"avg_sell,omitempty"`
}

// Snapshot deep-copies the instance into an immutable view.
func (si *StrategyInstance) Snapshot() Snapshot {
	snap := Snapshot{
		ID:           si.ID,
		Kind:         si.Kind,
		Symbol:       si.Symbol,
		Side:         si.Side,
		Status:       si.Status,
		CreatedUnixM: si.CreatedUnixM,
		FilledSats:   si.FilledSats(),
	}
	for _, o := range si.Orders {
		snap.Orders = append(snap.Orders, *o)
	}
	return snap
}
