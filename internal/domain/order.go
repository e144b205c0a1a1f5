package domain

import (
	"futures_go/pkg/quant"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType maps to the exchange order types we actually use.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderKind describes the role an order plays inside a strategy.
type OrderKind string

const (
	OrderKindEntry      OrderKind = "ENTRY"
	OrderKindTakeProfit OrderKind = "TAKE_PROFIT"
	OrderKindStopLoss   OrderKind = "STOP_LOSS"
	OrderKindSlice      OrderKind = "SLICE"
	OrderKindGridLevel  OrderKind = "GRID_LEVEL"
)

// OrderStatus mirrors the exchange order lifecycle, plus UNKNOWN for orders
// whose state could not be confirmed after retry exhaustion.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether no further transitions are possible.
// UNKNOWN is terminal from the monitor's point of view: it stops polling and
// hands the decision to the owning controller.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusUnknown:
		return true
	}
	return false
}

// OrderRef is a strategy-owned handle to one exchange order.
// Ownership is single-writer: only the owning controller mutates business
// fields; the order monitor writes Status, FilledSats, AvgFillPriceMicros
// and UpdatedUnixM only.
type OrderRef struct {
	ExchangeID string
	LocalID    string
	Owner      string // owning strategy instance id
	Symbol     string
	Kind       OrderKind
	Side       Side
	Status     OrderStatus

	PriceMicros quant.PriceMicros // 0 for market orders
	QtySats     quant.QtySats
	FilledSats  quant.QtySats

	AvgFillPriceMicros quant.PriceMicros
	UpdatedUnixM       quant.TimeStamp
}

// RemainingSats returns the unfilled quantity.
func (o *OrderRef) RemainingSats() quant.QtySats {
	if o.FilledSats >= o.QtySats {
		return 0
	}
	return o.QtySats - o.FilledSats
}

// IsOpen checks if the order is still working on the exchange.
func (o *OrderRef) IsOpen() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}
