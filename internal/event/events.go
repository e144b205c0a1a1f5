package event

import (
	"futures_go/pkg/quant"
)

// Type defines the order transition observed by the monitor.
type Type uint16

const (
	EvFill Type = iota + 1
	EvPartialFill
	EvCancel
	EvReject
	EvUnknownState
)

func (t Type) String() string {
	switch t {
	case EvFill:
		return "FILL"
	case EvPartialFill:
		return "PARTIAL_FILL"
	case EvCancel:
		return "CANCEL"
	case EvReject:
		return "REJECT"
	case EvUnknownState:
		return "UNKNOWN_STATE"
	default:
		return "INVALID"
	}
}

// OrderEvent is one observed order transition, delivered to the owning
// controller in observation order (single-event-at-a-time).
type OrderEvent struct {
	Seq        uint64
	Ts         quant.TimeStamp
	Type       Type
	Owner      string // owning strategy instance id
	LocalID    string
	ExchangeID string
	Symbol     string

	// FilledDeltaSats is the newly filled quantity since the last
	// observation; FilledSats is the cumulative total.
	FilledDeltaSats quant.QtySats
	FilledSats      quant.QtySats
	AvgPriceMicros  quant.PriceMicros

	// NotionalDeltaMicros is the quote value of FilledDeltaSats, derived
	// from the change in the venue's cumulative average price so partial
	// fills at different prices are attributed exactly.
	NotionalDeltaMicros int64
}
