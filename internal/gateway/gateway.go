package gateway

import (
	"context"

	"futures_go/internal/domain"
	"futures_go/pkg/quant"
)

// OrderRequest is a new order to be submitted to the venue.
type OrderRequest struct {
	Symbol          string
	Side            domain.Side
	Type            domain.OrderType
	QtySats         quant.QtySats
	PriceMicros     quant.PriceMicros // limit price, 0 for market
	StopPriceMicros quant.PriceMicros // trigger price for stop orders
	LocalID         string            // client order id, ties the venue order back to us
}

// OrderAck is the venue's acknowledgement of a placed order.
type OrderAck struct {
	ExchangeID string
	Status     domain.OrderStatus
}

// OrderSnapshot is the venue's view of one order at query time.
type OrderSnapshot struct {
	ExchangeID     string
	Status         domain.OrderStatus
	FilledSats     quant.QtySats
	AvgPriceMicros quant.PriceMicros
	UpdatedUnixM   quant.TimeStamp
}

// Filters are the per-symbol trading constraints from exchange info.
type Filters struct {
	QtyStepSats       quant.QtySats
	PriceTickMicros   quant.PriceMicros
	MinNotionalMicros quant.PriceMicros
}

// Gateway is the stateless exchange wrapper the strategy engine talks to.
// Implementations: binance (signed REST + ws price feed), paper (in-memory
// venue), rateLimited (budget-enforcing wrapper applied by the factory).
//
// Errors: PlaceOrder fails with *domain.ExchangeRejection for business
// rejections and *domain.GatewayError for transport failures. CancelOrder
// additionally returns domain.ErrAlreadyFilled / domain.ErrOrderNotFound.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeID string) (OrderSnapshot, error)
	GetPrice(ctx context.Context, symbol string) (quant.PriceMicros, error)
	GetBalance(ctx context.Context) (map[string]quant.QtySats, error)
	SymbolFilters(ctx context.Context, symbol string) (Filters, error)
}
