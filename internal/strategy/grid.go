package strategy

import (
	"context"
	"fmt"

	"futures_go/internal/domain"
	"futures_go/internal/event"
	"futures_go/internal/gateway"
	"futures_go/pkg/quant"
	"futures_go/pkg/safe"
)

// Grid maintains a ladder of resting LIMIT orders between two price bounds.
// A filled buy is answered with a sell one rung up, a filled sell with a buy
// one rung down, so the ladder keeps harvesting oscillation.
type Grid struct {
	env      Env
	instance *domain.StrategyInstance
	params   domain.GridParams

	levels  []*domain.GridLevel
	stepQty quant.QtySats
	nextSeq int // local id counter for replacement orders

	inventorySats quant.QtySats
	roundTrips    int
	buySats       quant.QtySats
	buyNotional   int64
	sellSats      quant.QtySats
	sellNotional  int64
}

// NewGrid builds a grid controller in PENDING state.
func NewGrid(id string, params domain.GridParams, env Env) *Grid {
	env.Normalize()
	return &Grid{
		env:    env,
		params: params,
		instance: &domain.StrategyInstance{
			ID:           id,
			Kind:         domain.KindGrid,
			Symbol:       params.Symbol,
			Status:       domain.StatusPending,
			CreatedUnixM: quant.TimeStamp(env.Now().UnixMicro()),
		},
	}
}

func (s *Grid) Instance() *domain.StrategyInstance { return s.instance }

func (s *Grid) validate() error {
	p := s.params
	if p.Symbol == "" {
		return domain.NewValidationError("symbol", "required")
	}
	if p.Levels < 2 {
		return domain.NewValidationError("levels", "need at least 2")
	}
	if p.MinMicros <= 0 || p.MaxMicros <= p.MinMicros {
		return domain.NewValidationError("range", "require 0 < min < max")
	}
	if p.TotalSats <= 0 {
		return domain.NewValidationError("total", "must be positive")
	}
	return nil
}

// levelPrice computes rung i of an evenly spaced ladder. Multiplying before
// dividing keeps exact bounds at both ends.
func (s *Grid) levelPrice(i int) quant.PriceMicros {
	span := int64(s.params.MaxMicros - s.params.MinMicros)
	return s.params.MinMicros + quant.PriceMicros(safe.Mul(span, int64(i))/int64(s.params.Levels-1))
}

// Start seeds the ladder around the current mark: rungs below it buy, rungs
// above it sell. A rung landing exactly on the mark stays unseeded until a
// neighboring fill flips into it.
func (s *Grid) Start(ctx context.Context) error {
	if err := s.validate(); err != nil {
		s.instance.Transition(domain.StatusFailed)
		return err
	}

	filters, err := s.env.Gateway.SymbolFilters(ctx, s.params.Symbol)
	if err != nil {
		s.instance.Transition(domain.StatusFailed)
		return err
	}
	s.stepQty = filters.QtyStepSats

	perLevel := quant.RoundDownToStep(s.params.TotalSats/quant.QtySats(s.params.Levels), s.stepQty)
	if perLevel <= 0 {
		s.instance.Transition(domain.StatusFailed)
		return domain.NewValidationError("total", "per-level quantity rounds to zero at the venue lot step")
	}

	mark, err := s.env.Gateway.GetPrice(ctx, s.params.Symbol)
	if err != nil {
		s.instance.Transition(domain.StatusFailed)
		return err
	}
	if mark < s.params.MinMicros || mark > s.params.MaxMicros {
		s.instance.Transition(domain.StatusFailed)
		return domain.NewValidationError("range",
			fmt.Sprintf("mark %s outside grid range [%s, %s]", mark, s.params.MinMicros, s.params.MaxMicros))
	}

	for i := 0; i < s.params.Levels; i++ {
		price := s.levelPrice(i)
		lvl := &domain.GridLevel{Index: i, PriceMicros: price, QtySats: perLevel}
		s.levels = append(s.levels, lvl)

		switch {
		case price < mark:
			lvl.Side = domain.SideBuy
		case price > mark:
			lvl.Side = domain.SideSell
		default:
			continue // unseeded rung at the mark
		}

		if err := s.armLevel(ctx, lvl); err != nil {
			s.env.Log.Error("grid seeding failed, withdrawing partial ladder", "id", s.instance.ID, "level", i, "err", err)
			s.withdraw(ctx)
			s.instance.Transition(domain.StatusFailed)
			return err
		}
	}

	s.instance.Transition(domain.StatusActive)
	s.env.Audit.Record(s.instance.ID, "GRID_SEEDED", map[string]any{
		"levels": s.params.Levels, "per_level": perLevel.String(), "mark": mark.String(),
	})
	return nil
}

// armLevel places the rung's resting order and registers it for monitoring.
func (s *Grid) armLevel(ctx context.Context, lvl *domain.GridLevel) error {
	s.nextSeq++
	localID := fmt.Sprintf("%s-g%d-%d", s.instance.ID, lvl.Index, s.nextSeq)

	ack, err := s.env.place(ctx, gateway.OrderRequest{
		Symbol:      s.params.Symbol,
		Side:        lvl.Side,
		Type:        domain.OrderTypeLimit,
		QtySats:     lvl.QtySats,
		PriceMicros: lvl.PriceMicros,
		LocalID:     localID,
	})
	if err != nil {
		return err
	}

	lvl.Active = &domain.OrderRef{
		ExchangeID:  ack.ExchangeID,
		LocalID:     localID,
		Symbol:      s.params.Symbol,
		Kind:        domain.OrderKindGridLevel,
		Side:        lvl.Side,
		Status:      ack.Status,
		PriceMicros: lvl.PriceMicros,
		QtySats:     lvl.QtySats,
	}
	s.instance.AddOrder(lvl.Active)
	s.env.Monitor.Watch(lvl.Active)
	return nil
}

// levelFor finds the rung owning an order.
func (s *Grid) levelFor(localID string) *domain.GridLevel {
	for _, lvl := range s.levels {
		if lvl.Active != nil && lvl.Active.LocalID == localID {
			return lvl
		}
	}
	return nil
}

func (s *Grid) OnOrderEvent(ctx context.Context, ev event.OrderEvent) {
	if s.instance.Status.IsTerminal() {
		return
	}
	lvl := s.levelFor(ev.LocalID)
	if lvl == nil {
		// The rung already released this order, so the event is a
		// duplicate delivery. Replenishment stays idempotent.
		s.env.Log.Warn("race: event for a rung with no active order, dropping", "id", s.instance.ID, "local_id", ev.LocalID, "type", ev.Type.String())
		return
	}

	switch ev.Type {
	case event.EvFill:
		// A sell unwinding a long, or a buy covering a short, closes one
		// buy-sell cycle. A seed order opening exposure does not.
		if (lvl.Side == domain.SideSell && s.inventorySats > 0) ||
			(lvl.Side == domain.SideBuy && s.inventorySats < 0) {
			s.roundTrips++
			lvl.RoundTrips++
		}
		s.recordFill(lvl.Side, ev)
		lvl.Active = nil
		if s.instance.Status == domain.StatusActive {
			s.flip(ctx, lvl)
		}

	case event.EvPartialFill:
		s.recordFill(lvl.Side, ev)

	case event.EvCancel:
		lvl.Active = nil
		if s.instance.Status != domain.StatusActive {
			return
		}
		// Somebody cancelled a rung out from under us; restore the ladder.
		s.env.Log.Warn("grid rung cancelled externally, re-arming", "id", s.instance.ID, "level", lvl.Index)
		if err := s.armLevel(ctx, lvl); err != nil {
			s.fail(ctx, fmt.Sprintf("re-arm level %d: %v", lvl.Index, err))
		}

	case event.EvReject:
		s.fail(ctx, fmt.Sprintf("level %d rejected", lvl.Index))

	case event.EvUnknownState:
		s.fail(ctx, fmt.Sprintf("level %d in unknown state", lvl.Index))
	}
}

// flip answers a fill with the opposite order one rung over. A target rung
// that already holds a working order, or lies past the grid edge, is left
// alone; the fill itself is never re-armed twice.
func (s *Grid) flip(ctx context.Context, filled *domain.GridLevel) {
	var target *domain.GridLevel
	var side domain.Side

	if filled.Side == domain.SideBuy {
		if filled.Index+1 < len(s.levels) {
			target = s.levels[filled.Index+1]
			side = domain.SideSell
		}
	} else {
		if filled.Index > 0 {
			target = s.levels[filled.Index-1]
			side = domain.SideBuy
		}
	}

	if target == nil {
		s.env.Log.Info("grid fill at edge, no flip", "id", s.instance.ID, "level", filled.Index)
		return
	}
	if target.Active != nil {
		s.env.Log.Warn("race: flip target already armed, skipping", "id", s.instance.ID, "level", target.Index)
		return
	}

	target.Side = side
	if err := s.armLevel(ctx, target); err != nil {
		s.fail(ctx, fmt.Sprintf("flip into level %d: %v", target.Index, err))
	}
}

func (s *Grid) recordFill(side domain.Side, ev event.OrderEvent) {
	if ev.FilledDeltaSats <= 0 {
		return
	}
	notional := ev.NotionalDeltaMicros
	if side == domain.SideBuy {
		s.inventorySats += ev.FilledDeltaSats
		s.buySats += ev.FilledDeltaSats
		s.buyNotional = safe.Add(s.buyNotional, notional)
	} else {
		s.inventorySats -= ev.FilledDeltaSats
		s.sellSats += ev.FilledDeltaSats
		s.sellNotional = safe.Add(s.sellNotional, notional)
	}
}

// OpenInventory is the net position the ladder currently holds, positive
// when long.
func (s *Grid) OpenInventory() quant.QtySats { return s.inventorySats }

// RoundTrips counts completed buy-then-sell cycles.
func (s *Grid) RoundTrips() int { return s.roundTrips }

func avgPrice(notional int64, sats quant.QtySats) quant.PriceMicros {
	if sats == 0 {
		return 0
	}
	return quant.PriceMicros(safe.Div(safe.Mul(notional, quant.QtyScale), int64(sats)))
}

// AvgBuy returns the volume-weighted buy price, 0 before the first buy fill.
func (s *Grid) AvgBuy() quant.PriceMicros { return avgPrice(s.buyNotional, s.buySats) }

// AvgSell returns the volume-weighted sell price, 0 before the first sell fill.
func (s *Grid) AvgSell() quant.PriceMicros { return avgPrice(s.sellNotional, s.sellSats) }

func (s *Grid) OnTick(ctx context.Context) {}

// Pause stops flip replenishment. Resting rungs keep working; fills are
// still accounted. Pausing is one-way.
func (s *Grid) Pause() error {
	if !s.instance.Transition(domain.StatusPaused) {
		return domain.NewValidationError("pause", "instance is "+string(s.instance.Status))
	}
	s.env.Audit.Record(s.instance.ID, "GRID_PAUSED", nil)
	return nil
}

// withdraw cancels every resting rung, tolerating races. It returns the
// last cancel error; a non-nil return means at least one rung may still be
// resting on the venue.
func (s *Grid) withdraw(ctx context.Context) error {
	var lastErr error
	for _, lvl := range s.levels {
		if lvl.Active == nil || !lvl.Active.IsOpen() {
			continue
		}
		filledRace, gone, err := s.env.cancelOrder(ctx, lvl.Active)
		if err != nil {
			s.env.Log.Error("grid rung cancel exhausted", "id", s.instance.ID, "level", lvl.Index, "err", err)
			lastErr = err
			continue
		}
		if filledRace || gone {
			continue
		}
		s.env.Monitor.Unwatch(lvl.Active.LocalID)
		lvl.Active.Status = domain.OrderStatusCancelled
		lvl.Active = nil
	}
	return lastErr
}

func (s *Grid) fail(ctx context.Context, reason string) {
	s.env.Log.Error("grid failed", "id", s.instance.ID, "reason", reason)
	s.withdraw(ctx)
	s.instance.Transition(domain.StatusFailed)
	s.env.Audit.Record(s.instance.ID, "GRID_FAILED", map[string]string{"reason": reason})
}

// Cancel withdraws the ladder and reports what it leaves behind. The net
// inventory is the operator's to manage afterwards.
func (s *Grid) Cancel(ctx context.Context) error {
	if s.instance.Status.IsTerminal() {
		return nil
	}
	if s.instance.Status == domain.StatusPending {
		s.instance.Transition(domain.StatusCancelled)
		return nil
	}
	s.instance.Transition(domain.StatusCancelling)
	if err := s.withdraw(ctx); err != nil {
		// Rungs may still rest on the venue; CANCELLED would lie about it.
		s.env.Log.Error("grid withdrawal incomplete, manual reconciliation needed", "id", s.instance.ID, "err", err)
		s.instance.Transition(domain.StatusFailed)
		s.env.Audit.Record(s.instance.ID, "GRID_FAILED", map[string]string{"reason": "withdrawal incomplete: " + err.Error()})
		return err
	}
	s.instance.Transition(domain.StatusCancelled)

	s.env.Log.Info("grid cancelled", "id", s.instance.ID,
		"open_inventory", s.inventorySats, "round_trips", s.roundTrips)
	s.env.Audit.Record(s.instance.ID, "GRID_CANCELLED", map[string]any{
		"open_inventory": s.inventorySats.String(),
		"round_trips":    s.roundTrips,
		"avg_buy":        s.AvgBuy().String(),
		"avg_sell":       s.AvgSell().String(),
	})
	return nil
}

// FillSnapshot copies the grid-only metrics into a strategy snapshot.
func (s *Grid) FillSnapshot(snap *domain.Snapshot) {
	snap.OpenInventorySats = s.inventorySats
	snap.RoundTrips = s.roundTrips
	snap.AvgBuyMicros = s.AvgBuy()
	snap.AvgSellMicros = s.AvgSell()
}
