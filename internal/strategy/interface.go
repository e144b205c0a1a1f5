// Package strategy implements the order strategy controllers: OCO pairs,
// TWAP execution and grid ladders. Controllers are single-writer state
// machines driven by the engine goroutine; they never spawn goroutines and
// never block beyond gateway calls.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"futures_go/internal/domain"
	"futures_go/internal/event"
	"futures_go/internal/gateway"
	"futures_go/internal/infra"
	"futures_go/internal/monitor"
)

// Controller is one running strategy instance.
type Controller interface {
	// Instance exposes the underlying state for snapshots. Only the engine
	// goroutine may touch it.
	Instance() *domain.StrategyInstance

	// Start validates parameters and places the initial orders. A returned
	// error means nothing is resting on the venue.
	Start(ctx context.Context) error

	// OnOrderEvent reacts to one observed order transition.
	OnOrderEvent(ctx context.Context, ev event.OrderEvent)

	// OnTick runs time-based work. Called once per engine tick.
	OnTick(ctx context.Context)

	// Pause stops new order placement. Pausing is one-way.
	Pause() error

	// Cancel withdraws all working orders and retires the instance.
	Cancel(ctx context.Context) error
}

// SnapshotFiller lets a controller add kind-specific metrics to snapshots.
type SnapshotFiller interface {
	FillSnapshot(*domain.Snapshot)
}

// Recorder appends strategy lifecycle events to the audit trail.
type Recorder interface {
	Record(strategyID, eventType string, payload any)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) Record(string, string, any) {}

// Env bundles the collaborators every controller needs.
type Env struct {
	Gateway gateway.Gateway
	Monitor *monitor.Monitor
	Audit   Recorder
	Log     *slog.Logger

	// Now is the clock; tests freeze it.
	Now func() time.Time

	// PlaceRetries bounds attempts for transient placement failures.
	PlaceRetries int
	RetryBackoff infra.Backoff
}

// Normalize fills unset optional fields with production defaults.
func (e *Env) Normalize() {
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.PlaceRetries <= 0 {
		e.PlaceRetries = 3
	}
	if e.RetryBackoff.Base == 0 {
		e.RetryBackoff = infra.DefaultBackoff()
	}
	if e.Audit == nil {
		e.Audit = NopRecorder{}
	}
	if e.Log == nil {
		e.Log = slog.Default()
	}
}

// place submits an order, retrying transient gateway failures with backoff.
// Rejections and validation failures return immediately.
func (e *Env) place(ctx context.Context, req gateway.OrderRequest) (gateway.OrderAck, error) {
	var ack gateway.OrderAck
	var err error

	for attempt := 0; attempt < e.PlaceRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.RetryBackoff.Delay(attempt - 1)):
			case <-ctx.Done():
				return gateway.OrderAck{}, ctx.Err()
			}
		}

		ack, err = e.Gateway.PlaceOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		if !domain.IsTransient(err) {
			return gateway.OrderAck{}, err
		}
		e.Log.Warn("order placement failed, retrying", "local_id", req.LocalID, "attempt", attempt+1, "err", err)
	}
	return gateway.OrderAck{}, err
}

// cancelOrder withdraws one order, translating venue races and retrying
// transient gateway failures with backoff. filledRace is true when the
// order filled before the cancel landed; gone is true when the venue no
// longer knows the order at all. A returned error means the order may
// still be resting; the caller must not treat its strategy as cleanly
// terminal.
func (e *Env) cancelOrder(ctx context.Context, ref *domain.OrderRef) (filledRace, gone bool, err error) {
	for attempt := 0; attempt < e.PlaceRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.RetryBackoff.Delay(attempt - 1)):
			case <-ctx.Done():
				return false, false, ctx.Err()
			}
		}

		err = e.Gateway.CancelOrder(ctx, ref.Symbol, ref.ExchangeID)
		switch {
		case err == nil:
			return false, false, nil
		case errors.Is(err, domain.ErrAlreadyFilled):
			e.Log.Warn("race: order filled before cancel landed", "local_id", ref.LocalID, "exchange_id", ref.ExchangeID)
			return true, false, nil
		case errors.Is(err, domain.ErrOrderNotFound):
			e.Log.Warn("race: order already gone on venue", "local_id", ref.LocalID, "exchange_id", ref.ExchangeID)
			return false, true, nil
		}
		if !domain.IsTransient(err) {
			return false, false, err
		}
		e.Log.Warn("order cancel failed, retrying", "local_id", ref.LocalID, "attempt", attempt+1, "err", err)
	}
	return false, false, err
}
