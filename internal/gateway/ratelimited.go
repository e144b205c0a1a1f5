package gateway

import (
	"context"

	"futures_go/internal/infra"
	"futures_go/pkg/quant"
)

// RateLimited wraps a Gateway so every venue call first acquires a token
// from a shared limiter. Waiters are admitted in FIFO order, so a burst of
// strategies cannot starve one another.
type RateLimited struct {
	inner   Gateway
	limiter *infra.RateLimiter
}

// NewRateLimited wraps inner with the given limiter.
func NewRateLimited(inner Gateway, limiter *infra.RateLimiter) *RateLimited {
	return &RateLimited{inner: inner, limiter: limiter}
}

func (r *RateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return OrderAck{}, err
	}
	return r.inner.PlaceOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.inner.CancelOrder(ctx, symbol, exchangeID)
}

func (r *RateLimited) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (OrderSnapshot, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return OrderSnapshot{}, err
	}
	return r.inner.GetOrderStatus(ctx, symbol, exchangeID)
}

func (r *RateLimited) GetPrice(ctx context.Context, symbol string) (quant.PriceMicros, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return r.inner.GetPrice(ctx, symbol)
}

func (r *RateLimited) GetBalance(ctx context.Context) (map[string]quant.QtySats, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetBalance(ctx)
}

func (r *RateLimited) SymbolFilters(ctx context.Context, symbol string) (Filters, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Filters{}, err
	}
	return r.inner.SymbolFilters(ctx, symbol)
}
