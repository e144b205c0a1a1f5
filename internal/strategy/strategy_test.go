package strategy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"futures_go/internal/gateway"
	"futures_go/internal/infra"
	"futures_go/internal/monitor"
	"futures_go/pkg/quant"
)

// testClock is a manually advanced clock shared by controller and schedule.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testRig struct {
	paper *gateway.PaperGateway
	mon   *monitor.Monitor
	clock *testClock
	env   Env
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	paper := gateway.NewPaperGateway()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon := monitor.New(paper, 3, time.Millisecond, log)
	clock := newTestClock()
	return &testRig{
		paper: paper,
		mon:   mon,
		clock: clock,
		env: Env{
			Gateway:      paper,
			Monitor:      mon,
			Log:          log,
			Now:          clock.Now,
			PlaceRetries: 3,
			RetryBackoff: infra.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
		},
	}
}

// pump polls the monitor once and routes each event to the controller, the
// way the engine tick does.
func (r *testRig) pump(ctrl Controller) {
	for _, ev := range r.mon.Poll(context.Background()) {
		ctrl.OnOrderEvent(context.Background(), ev)
	}
}

// failingGateway fails the Nth PlaceOrder call (1-based) with err.
type failingGateway struct {
	gateway.Gateway
	failCall int
	err      error
	calls    int
}

func (f *failingGateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderAck, error) {
	f.calls++
	if f.calls == f.failCall {
		return gateway.OrderAck{}, f.err
	}
	return f.Gateway.PlaceOrder(ctx, req)
}

// downGateway fails every PlaceOrder with err.
type downGateway struct {
	gateway.Gateway
	err   error
	calls int
}

func (g *downGateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderAck, error) {
	g.calls++
	return gateway.OrderAck{}, g.err
}

// stuckCancelGateway fails every CancelOrder with err.
type stuckCancelGateway struct {
	gateway.Gateway
	err   error
	calls int
}

func (g *stuckCancelGateway) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	g.calls++
	return g.err
}

func mkPrice(f float64) quant.PriceMicros { return quant.ToPriceMicros(f) }
func mkQty(f float64) quant.QtySats       { return quant.ToQtySats(f) }
