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

// TWAP works a parent quantity through timed slices. Each slice goes out as
// a LIMIT at the current mark; a slice still resting when the next one is
// due is handled by the configured stall policy.
type TWAP struct {
	env      Env
	instance *domain.StrategyInstance
	params   domain.TWAPParams

	slices  []*domain.TWAPSlice
	next    int             // index of the next slice to issue
	carried quant.QtySats   // remainder folded forward by CARRY_FORWARD
	stepQty quant.QtySats   // venue lot step
	started quant.TimeStamp // schedule anchor

	// fill accounting for VWAP
	filledSats     quant.QtySats
	notionalMicros int64
}

// NewTWAP builds a TWAP controller in PENDING state.
func NewTWAP(id string, params domain.TWAPParams, env Env) *TWAP {
	env.Normalize()
	if params.Stall == "" {
		params.Stall = domain.StallMarketFallback
	}
	return &TWAP{
		env:    env,
		params: params,
		instance: &domain.StrategyInstance{
			ID:           id,
			Kind:         domain.KindTWAP,
			Symbol:       params.Symbol,
			Side:         params.Side,
			Status:       domain.StatusPending,
			CreatedUnixM: quant.TimeStamp(env.Now().UnixMicro()),
		},
	}
}

func (s *TWAP) Instance() *domain.StrategyInstance { return s.instance }

func (s *TWAP) validate() error {
	p := s.params
	if p.Symbol == "" {
		return domain.NewValidationError("symbol", "required")
	}
	if p.Side != domain.SideBuy && p.Side != domain.SideSell {
		return domain.NewValidationError("side", "must be BUY or SELL")
	}
	if p.TotalSats <= 0 {
		return domain.NewValidationError("total", "must be positive")
	}
	if p.SliceCount <= 0 {
		return domain.NewValidationError("slices", "must be positive")
	}
	if p.Duration <= 0 {
		return domain.NewValidationError("duration", "must be positive")
	}
	switch p.Stall {
	case domain.StallMarketFallback, domain.StallCarryForward:
	default:
		return domain.NewValidationError("stall_policy", "unknown policy "+string(p.Stall))
	}
	return nil
}

// buildSchedule divides the total into step-aligned slices. Rounding dust
// folds into the last slice so the sum is exact.
func (s *TWAP) buildSchedule() error {
	n := s.params.SliceCount
	base := quant.RoundDownToStep(s.params.TotalSats/quant.QtySats(n), s.stepQty)
	if base <= 0 {
		return domain.NewValidationError("total", "per-slice quantity rounds to zero at the venue lot step")
	}

	interval := s.params.Interval()
	var assigned quant.QtySats
	for i := 0; i < n; i++ {
		qty := base
		if i == n-1 {
			qty = s.params.TotalSats - assigned
		}
		assigned += qty
		s.slices = append(s.slices, &domain.TWAPSlice{
			Index:          i,
			ScheduledUnixM: s.started + quant.TimeStamp(interval.Microseconds()*int64(i)),
			QtySats:        qty,
		})
	}
	return nil
}

// Start validates, builds the schedule and issues the first slice.
func (s *TWAP) Start(ctx context.Context) error {
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
	s.started = quant.TimeStamp(s.env.Now().UnixMicro())

	if err := s.buildSchedule(); err != nil {
		s.instance.Transition(domain.StatusFailed)
		return err
	}

	s.instance.Transition(domain.StatusActive)
	if err := s.issueSlice(ctx, s.slices[0]); err != nil {
		s.instance.Transition(domain.StatusFailed)
		return err
	}
	s.next = 1
	s.env.Audit.Record(s.instance.ID, "TWAP_STARTED", map[string]any{
		"slices": len(s.slices), "interval_ms": s.params.Interval().Milliseconds(),
	})
	return nil
}

// issueSlice places one slice as a LIMIT at the current mark, absorbing any
// carried remainder.
func (s *TWAP) issueSlice(ctx context.Context, sl *domain.TWAPSlice) error {
	qty := sl.QtySats + s.carried
	s.carried = 0

	mark, err := s.env.Gateway.GetPrice(ctx, s.params.Symbol)
	if err != nil {
		return fmt.Errorf("slice %d price lookup: %w", sl.Index, err)
	}

	localID := fmt.Sprintf("%s-slice-%d", s.instance.ID, sl.Index)
	ack, err := s.env.place(ctx, gateway.OrderRequest{
		Symbol:      s.params.Symbol,
		Side:        s.params.Side,
		Type:        domain.OrderTypeLimit,
		QtySats:     qty,
		PriceMicros: mark,
		LocalID:     localID,
	})
	if err != nil {
		return fmt.Errorf("place slice %d: %w", sl.Index, err)
	}

	sl.Ref = &domain.OrderRef{
		ExchangeID:  ack.ExchangeID,
		LocalID:     localID,
		Symbol:      s.params.Symbol,
		Kind:        domain.OrderKindSlice,
		Side:        s.params.Side,
		Status:      ack.Status,
		PriceMicros: mark,
		QtySats:     qty,
	}
	s.instance.AddOrder(sl.Ref)
	s.env.Monitor.Watch(sl.Ref)
	s.env.Log.Info("twap slice issued", "id", s.instance.ID, "slice", sl.Index, "qty", qty, "price", mark)
	return nil
}

// OnTick issues due slices and applies the stall policy to the previous one.
func (s *TWAP) OnTick(ctx context.Context) {
	if s.instance.Status != domain.StatusActive {
		return
	}
	now := quant.TimeStamp(s.env.Now().UnixMicro())

	for s.next < len(s.slices) && s.slices[s.next].ScheduledUnixM <= now {
		due := s.slices[s.next]
		if err := s.handleStalled(ctx, s.slices[s.next-1]); err != nil {
			s.fail("stall handling: " + err.Error())
			return
		}
		if err := s.issueSlice(ctx, due); err != nil {
			s.fail(err.Error())
			return
		}
		s.next++
	}

	// Past the horizon, resolve the final slice.
	if s.next == len(s.slices) {
		end := s.started + quant.TimeStamp(s.params.Duration.Microseconds())
		if now >= end {
			last := s.slices[len(s.slices)-1]
			if last.Ref != nil && last.Ref.IsOpen() {
				if err := s.handleStalled(ctx, last); err != nil {
					s.fail("final stall handling: " + err.Error())
					return
				}
			}
		}
	}

	s.completeIfDone()
}

// handleStalled resolves a slice still resting past its window. Under
// MARKET_FALLBACK the remainder crosses the spread immediately; under
// CARRY_FORWARD it folds into the next slice. A stalled final slice always
// goes to market, there is no next slice to carry into.
func (s *TWAP) handleStalled(ctx context.Context, sl *domain.TWAPSlice) error {
	if sl.Ref == nil || !sl.Ref.IsOpen() {
		return nil
	}

	filledRace, gone, err := s.env.cancelOrder(ctx, sl.Ref)
	if err != nil {
		return err
	}
	if filledRace || gone {
		return nil
	}
	s.env.Monitor.Unwatch(sl.Ref.LocalID)
	sl.Ref.Status = domain.OrderStatusCancelled

	remaining := sl.Ref.RemainingSats()
	if remaining <= 0 {
		return nil
	}

	if s.params.Stall == domain.StallCarryForward && sl.Index < len(s.slices)-1 {
		s.carried += remaining
		s.env.Log.Info("twap slice carried forward", "id", s.instance.ID, "slice", sl.Index, "qty", remaining)
		return nil
	}

	localID := fmt.Sprintf("%s-slice-%d-mkt", s.instance.ID, sl.Index)
	ack, err := s.env.place(ctx, gateway.OrderRequest{
		Symbol:  s.params.Symbol,
		Side:    s.params.Side,
		Type:    domain.OrderTypeMarket,
		QtySats: remaining,
		LocalID: localID,
	})
	if err != nil {
		return fmt.Errorf("market fallback slice %d: %w", sl.Index, err)
	}

	ref := &domain.OrderRef{
		ExchangeID: ack.ExchangeID,
		LocalID:    localID,
		Symbol:     s.params.Symbol,
		Kind:       domain.OrderKindSlice,
		Side:       s.params.Side,
		Status:     ack.Status,
		QtySats:    remaining,
	}
	s.instance.AddOrder(ref)
	s.env.Monitor.Watch(ref)
	s.env.Log.Info("twap slice fell back to market", "id", s.instance.ID, "slice", sl.Index, "qty", remaining)
	return nil
}

func (s *TWAP) OnOrderEvent(ctx context.Context, ev event.OrderEvent) {
	if s.instance.Status.IsTerminal() {
		return
	}

	switch ev.Type {
	case event.EvFill, event.EvPartialFill:
		s.recordFill(ev)
		if ev.Type == event.EvFill {
			s.markSliceDone(ev.LocalID)
		}
		s.completeIfDone()

	case event.EvCancel:
		// Cancels we issued are handled inline; an external cancel just
		// retires the slice, the stall path already re-homes remainders.
		s.markSliceDone(ev.LocalID)
		s.completeIfDone()

	case event.EvReject:
		s.fail("slice rejected: " + ev.LocalID)

	case event.EvUnknownState:
		s.fail("slice in unknown state: " + ev.LocalID)
	}
}

// recordFill accumulates notional for the execution VWAP. The monitor
// already prices each delta individually, so partial fills at different
// prices weigh in exactly.
func (s *TWAP) recordFill(ev event.OrderEvent) {
	if ev.FilledDeltaSats <= 0 {
		return
	}
	s.filledSats = quant.QtySats(safe.Add(int64(s.filledSats), int64(ev.FilledDeltaSats)))
	s.notionalMicros = safe.Add(s.notionalMicros, ev.NotionalDeltaMicros)
}

// VWAP returns the volume-weighted average fill price so far, 0 before the
// first fill.
func (s *TWAP) VWAP() quant.PriceMicros {
	if s.filledSats == 0 {
		return 0
	}
	return quant.PriceMicros(safe.Div(safe.Mul(s.notionalMicros, quant.QtyScale), int64(s.filledSats)))
}

// FillSnapshot copies the execution VWAP into a strategy snapshot.
func (s *TWAP) FillSnapshot(snap *domain.Snapshot) {
	snap.VWAPMicros = s.VWAP()
}

func (s *TWAP) markSliceDone(localID string) {
	for _, sl := range s.slices {
		if sl.Ref != nil && sl.Ref.LocalID == localID {
			sl.Done = true
			return
		}
	}
}

// completeIfDone retires the instance once every slice was issued and no
// owned order is still working.
func (s *TWAP) completeIfDone() {
	if s.instance.Status != domain.StatusActive && s.instance.Status != domain.StatusCancelling {
		return
	}
	if s.next < len(s.slices) || s.carried > 0 {
		return
	}
	for _, o := range s.instance.Orders {
		if o.IsOpen() {
			return
		}
	}
	if s.instance.Status == domain.StatusCancelling {
		s.instance.Transition(domain.StatusCancelled)
		return
	}
	s.instance.Transition(domain.StatusCompleted)
	s.env.Audit.Record(s.instance.ID, "TWAP_COMPLETED", map[string]any{
		"filled": s.filledSats.String(), "vwap": s.VWAP().String(),
	})
}

func (s *TWAP) fail(reason string) {
	s.env.Log.Error("twap failed", "id", s.instance.ID, "reason", reason)
	s.instance.Transition(domain.StatusFailed)
	s.env.Audit.Record(s.instance.ID, "TWAP_FAILED", map[string]string{"reason": reason})
}

// Pause stops issuing new slices. The working slice keeps being monitored.
// Pausing is one-way; a paused execution can only be cancelled.
func (s *TWAP) Pause() error {
	if !s.instance.Transition(domain.StatusPaused) {
		return domain.NewValidationError("pause", "instance is "+string(s.instance.Status))
	}
	s.env.Audit.Record(s.instance.ID, "TWAP_PAUSED", map[string]int{"next_slice": s.next})
	return nil
}

// Cancel withdraws working slices and retires the instance. Quantity already
// filled stays filled.
func (s *TWAP) Cancel(ctx context.Context) error {
	if s.instance.Status.IsTerminal() {
		return nil
	}
	if s.instance.Status == domain.StatusPending {
		s.instance.Transition(domain.StatusCancelled)
		return nil
	}
	s.instance.Transition(domain.StatusCancelling)

	for _, o := range s.instance.Orders {
		if !o.IsOpen() {
			continue
		}
		filledRace, gone, err := s.env.cancelOrder(ctx, o)
		if err != nil {
			// The slice may still be resting; CANCELLED would lie about it.
			s.fail("cancel of " + o.LocalID + " exhausted: " + err.Error())
			return err
		}
		if filledRace || gone {
			continue
		}
		s.env.Monitor.Unwatch(o.LocalID)
		o.Status = domain.OrderStatusCancelled
	}

	s.next = len(s.slices)
	s.carried = 0
	s.instance.Transition(domain.StatusCancelled)
	s.env.Audit.Record(s.instance.ID, "TWAP_CANCELLED", map[string]any{
		"filled": s.filledSats.String(), "vwap": s.VWAP().String(),
	})
	return nil
}
