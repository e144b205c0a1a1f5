package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"futures_go/internal/domain"
	"futures_go/pkg/quant"
)

// PaperGateway is an in-memory venue for paper mode and tests. Orders rest
// until a mark price move crosses them or a fill is injected directly.
type PaperGateway struct {
	mu      sync.Mutex
	nextID  int64
	orders  map[string]*paperOrder
	marks   map[string]quant.PriceMicros
	balance map[string]quant.QtySats
	filters map[string]Filters

	// PlaceErr, when set, fails the next PlaceOrder call once.
	PlaceErr error
}

type paperOrder struct {
	id       string
	req      OrderRequest
	status   domain.OrderStatus
	filled   quant.QtySats
	avgPrice quant.PriceMicros
	updated  quant.TimeStamp
}

// NewPaperGateway creates an empty paper venue with a default USDT balance.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		orders:  make(map[string]*paperOrder),
		marks:   make(map[string]quant.PriceMicros),
		balance: map[string]quant.QtySats{"USDT": quant.ToQtySats(100_000)},
		filters: make(map[string]Filters),
	}
}

// SetMarkPrice updates the mark and fills any resting orders the move
// crosses. MARKET orders never rest; they fill at placement.
func (g *PaperGateway) SetMarkPrice(symbol string, price quant.PriceMicros) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks[symbol] = price

	for _, o := range g.orders {
		if o.req.Symbol != symbol || o.status.IsTerminal() {
			continue
		}
		if g.crossed(o, price) {
			g.fillLocked(o, o.req.QtySats-o.filled, o.restPrice())
		}
	}
}

func (o *paperOrder) restPrice() quant.PriceMicros {
	if o.req.Type == domain.OrderTypeStopMarket {
		return o.req.StopPriceMicros
	}
	return o.req.PriceMicros
}

func (g *PaperGateway) crossed(o *paperOrder, mark quant.PriceMicros) bool {
	switch o.req.Type {
	case domain.OrderTypeLimit:
		// Limits need price improvement; a limit resting exactly at the
		// mark stays in the book, there is no queue model here.
		if o.req.Side == domain.SideBuy {
			return mark < o.req.PriceMicros
		}
		return mark > o.req.PriceMicros
	case domain.OrderTypeStopMarket:
		if o.req.Side == domain.SideBuy {
			return mark >= o.req.StopPriceMicros
		}
		return mark <= o.req.StopPriceMicros
	}
	return false
}

// FillOrder injects a fill of qty at price against a resting order.
// Passing the full remaining quantity makes the order FILLED.
func (g *PaperGateway) FillOrder(exchangeID string, qty quant.QtySats, price quant.PriceMicros) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[exchangeID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.status.IsTerminal() {
		return fmt.Errorf("order %s already terminal: %s", exchangeID, o.status)
	}
	g.fillLocked(o, qty, price)
	return nil
}

func (g *PaperGateway) fillLocked(o *paperOrder, qty quant.QtySats, price quant.PriceMicros) {
	if qty > o.req.QtySats-o.filled {
		qty = o.req.QtySats - o.filled
	}
	prevNotional := int64(o.avgPrice) * int64(o.filled)
	o.filled += qty
	if o.filled > 0 {
		o.avgPrice = quant.PriceMicros((prevNotional + int64(price)*int64(qty)) / int64(o.filled))
	}
	if o.filled >= o.req.QtySats {
		o.status = domain.OrderStatusFilled
	} else {
		o.status = domain.OrderStatusPartiallyFilled
	}
	o.updated++
}

// PlaceOrder implements Gateway. MARKET orders fill immediately at the
// current mark; LIMIT and STOP_MARKET rest unless already crossed.
func (g *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.PlaceErr != nil {
		err := g.PlaceErr
		g.PlaceErr = nil
		return OrderAck{}, err
	}
	if req.QtySats <= 0 {
		return OrderAck{}, &domain.ExchangeRejection{Code: domain.RejectInvalidQuantity, Msg: "quantity must be positive"}
	}

	g.nextID++
	o := &paperOrder{
		id:     strconv.FormatInt(g.nextID, 10),
		req:    req,
		status: domain.OrderStatusNew,
	}
	g.orders[o.id] = o

	mark := g.marks[req.Symbol]
	if req.Type == domain.OrderTypeMarket {
		g.fillLocked(o, req.QtySats, mark)
	} else if mark > 0 && g.crossed(o, mark) {
		g.fillLocked(o, req.QtySats, o.restPrice())
	}

	return OrderAck{ExchangeID: o.id, Status: o.status}, nil
}

// CancelOrder implements Gateway with the venue's race semantics: a filled
// order yields ErrAlreadyFilled, a missing one ErrOrderNotFound.
func (g *PaperGateway) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[exchangeID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.status == domain.OrderStatusFilled {
		return domain.ErrAlreadyFilled
	}
	if o.status.IsTerminal() {
		return domain.ErrOrderNotFound
	}
	o.status = domain.OrderStatusCancelled
	o.updated++
	return nil
}

// ExpireOrder marks a resting order CANCELLED as if cancelled on the venue
// side, without going through CancelOrder.
func (g *PaperGateway) ExpireOrder(exchangeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[exchangeID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.status.IsTerminal() {
		return fmt.Errorf("order %s already terminal: %s", exchangeID, o.status)
	}
	o.status = domain.OrderStatusCancelled
	o.updated++
	return nil
}

// RejectNext makes the next PlaceOrder fail with an exchange rejection.
func (g *PaperGateway) RejectNext(code domain.RejectionCode, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PlaceErr = &domain.ExchangeRejection{Code: code, Msg: msg}
}

// GetOrderStatus implements Gateway.
func (g *PaperGateway) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (OrderSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[exchangeID]
	if !ok {
		return OrderSnapshot{}, domain.ErrOrderNotFound
	}
	return OrderSnapshot{
		ExchangeID:     o.id,
		Status:         o.status,
		FilledSats:     o.filled,
		AvgPriceMicros: o.avgPrice,
		UpdatedUnixM:   o.updated,
	}, nil
}

// GetPrice implements Gateway.
func (g *PaperGateway) GetPrice(ctx context.Context, symbol string) (quant.PriceMicros, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.marks[symbol]
	if !ok {
		return 0, &domain.GatewayError{Op: "GetPrice", Err: fmt.Errorf("no mark price for %s", symbol)}
	}
	return p, nil
}

// GetBalance implements Gateway.
func (g *PaperGateway) GetBalance(ctx context.Context) (map[string]quant.QtySats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]quant.QtySats, len(g.balance))
	for k, v := range g.balance {
		out[k] = v
	}
	return out, nil
}

// SetFilters configures the symbol constraints returned by SymbolFilters.
func (g *PaperGateway) SetFilters(symbol string, f Filters) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filters[symbol] = f
}

// SymbolFilters implements Gateway. Unconfigured symbols get a 0.01 step.
func (g *PaperGateway) SymbolFilters(ctx context.Context, symbol string) (Filters, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.filters[symbol]; ok {
		return f, nil
	}
	return Filters{
		QtyStepSats:     quant.QtySats(1_000_000),
		PriceTickMicros: quant.PriceMicros(10_000),
	}, nil
}
