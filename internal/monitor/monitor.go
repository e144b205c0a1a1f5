// Package monitor tracks working orders by polling the gateway and turns
// status changes into order events for the owning strategies.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"futures_go/internal/domain"
	"futures_go/internal/event"
	"futures_go/internal/gateway"
	"futures_go/internal/infra"
	"futures_go/pkg/quant"
	"futures_go/pkg/safe"
)

// Monitor polls watched orders once per engine tick. It is owned by the
// runner goroutine and needs no internal locking.
type Monitor struct {
	gw      gateway.Gateway
	retries int
	backoff infra.Backoff
	log     *slog.Logger

	watched []*domain.OrderRef // insertion order, deterministic polling
	index   map[string]int     // LocalID -> position in watched
	seq     uint64
}

// New creates a monitor polling through gw. retries bounds the status query
// attempts per order per tick before the order is declared UNKNOWN.
func New(gw gateway.Gateway, retries int, backoffBase time.Duration, log *slog.Logger) *Monitor {
	if retries <= 0 {
		retries = 3
	}
	return &Monitor{
		gw:      gw,
		retries: retries,
		backoff: infra.Backoff{Base: backoffBase, Max: 60 * time.Second},
		log:     log,
		index:   make(map[string]int),
	}
}

// Watch registers an order for polling. Re-watching the same LocalID is a
// no-op so restarts after partial placement stay idempotent.
func (m *Monitor) Watch(ref *domain.OrderRef) {
	if _, ok := m.index[ref.LocalID]; ok {
		return
	}
	m.index[ref.LocalID] = len(m.watched)
	m.watched = append(m.watched, ref)
}

// Unwatch removes an order from polling, typically after its owning
// strategy retires.
func (m *Monitor) Unwatch(localID string) {
	pos, ok := m.index[localID]
	if !ok {
		return
	}
	delete(m.index, localID)
	m.watched = append(m.watched[:pos], m.watched[pos+1:]...)
	for i := pos; i < len(m.watched); i++ {
		m.index[m.watched[i].LocalID] = i
	}
}

// Watched returns the number of orders currently polled.
func (m *Monitor) Watched() int { return len(m.watched) }

// Poll queries every watched order once and returns the observed
// transitions in order. Orders that reached a terminal state are
// unregistered; their final event is still delivered.
func (m *Monitor) Poll(ctx context.Context) []event.OrderEvent {
	if len(m.watched) == 0 {
		return nil
	}

	var events []event.OrderEvent
	refs := make([]*domain.OrderRef, len(m.watched))
	copy(refs, m.watched)

	for _, ref := range refs {
		if _, still := m.index[ref.LocalID]; !still {
			continue
		}
		if ev, ok := m.pollOne(ctx, ref); ok {
			events = append(events, ev)
		}
		if ref.Status.IsTerminal() {
			m.Unwatch(ref.LocalID)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return events
}

// pollOne fetches one order's snapshot with bounded retries. Exhausting the
// retries marks the order UNKNOWN rather than guessing its state.
func (m *Monitor) pollOne(ctx context.Context, ref *domain.OrderRef) (event.OrderEvent, bool) {
	var snap gateway.OrderSnapshot
	var err error

	for attempt := 0; attempt < m.retries; attempt++ {
		if attempt > 0 {
			delay := m.backoff.Delay(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return event.OrderEvent{}, false
			}
		}

		snap, err = m.gw.GetOrderStatus(ctx, ref.Symbol, ref.ExchangeID)
		if err == nil {
			return m.apply(ref, snap)
		}
		if !domain.IsTransient(err) {
			break
		}
		m.log.Warn("order status query failed", "local_id", ref.LocalID, "attempt", attempt+1, "err", err)
	}

	m.log.Error("order state unconfirmed, marking UNKNOWN", "local_id", ref.LocalID, "exchange_id", ref.ExchangeID, "err", err)
	ref.Status = domain.OrderStatusUnknown
	return m.emit(event.EvUnknownState, ref, 0, 0), true
}

// apply diffs the snapshot against the ref and emits at most one event.
func (m *Monitor) apply(ref *domain.OrderRef, snap gateway.OrderSnapshot) (event.OrderEvent, bool) {
	delta := snap.FilledSats - ref.FilledSats
	statusChanged := snap.Status != ref.Status

	if delta <= 0 && !statusChanged {
		return event.OrderEvent{}, false
	}

	// The venue reports a cumulative average, so the value of this fill
	// alone is the difference of the cumulative notionals.
	oldNotional := notional(ref.FilledSats, ref.AvgFillPriceMicros)
	newNotional := notional(snap.FilledSats, snap.AvgPriceMicros)
	notionalDelta := newNotional - oldNotional

	ref.Status = snap.Status
	ref.FilledSats = snap.FilledSats
	ref.AvgFillPriceMicros = snap.AvgPriceMicros
	ref.UpdatedUnixM = snap.UpdatedUnixM

	switch {
	case snap.Status == domain.OrderStatusFilled:
		return m.emit(event.EvFill, ref, delta, notionalDelta), true
	case snap.Status == domain.OrderStatusCancelled:
		return m.emit(event.EvCancel, ref, delta, notionalDelta), true
	case snap.Status == domain.OrderStatusRejected:
		return m.emit(event.EvReject, ref, delta, notionalDelta), true
	case delta > 0:
		return m.emit(event.EvPartialFill, ref, delta, notionalDelta), true
	default:
		// NEW -> PARTIALLY_FILLED flaps with no new quantity carry no signal.
		return event.OrderEvent{}, false
	}
}

func notional(qty quant.QtySats, avg quant.PriceMicros) int64 {
	return safe.Mul(int64(qty), int64(avg)) / quant.QtyScale
}

func (m *Monitor) emit(t event.Type, ref *domain.OrderRef, delta quant.QtySats, notionalDelta int64) event.OrderEvent {
	m.seq++
	if delta < 0 {
		delta = 0
	}
	if notionalDelta < 0 {
		notionalDelta = 0
	}
	return event.OrderEvent{
		Seq:                 m.seq,
		Ts:                  quant.TimeStamp(time.Now().UnixMicro()),
		Type:                t,
		Owner:               ref.Owner,
		LocalID:             ref.LocalID,
		ExchangeID:          ref.ExchangeID,
		Symbol:              ref.Symbol,
		FilledDeltaSats:     delta,
		FilledSats:          ref.FilledSats,
		AvgPriceMicros:      ref.AvgFillPriceMicros,
		NotionalDeltaMicros: notionalDelta,
	}
}
