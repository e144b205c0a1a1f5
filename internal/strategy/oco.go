package strategy

import (
	"context"
	"fmt"

	"futures_go/internal/domain"
	"futures_go/internal/event"
	"futures_go/internal/gateway"
	"futures_go/pkg/quant"
)

// OCO emulates a one-cancels-the-other exit pair on a venue without native
// OCO support: a take-profit LIMIT plus a stop-loss STOP_MARKET. Whichever
// leg the monitor observes filled first wins; the other is cancelled.
type OCO struct {
	env      Env
	instance *domain.StrategyInstance
	params   domain.OCOParams

	tp *domain.OrderRef
	sl *domain.OrderRef
}

// NewOCO builds an OCO controller in PENDING state.
func NewOCO(id string, params domain.OCOParams, env Env) *OCO {
	env.Normalize()
	return &OCO{
		env:    env,
		params: params,
		instance: &domain.StrategyInstance{
			ID:           id,
			Kind:         domain.KindOCO,
			Symbol:       params.Symbol,
			Side:         params.Side,
			Status:       domain.StatusPending,
			CreatedUnixM: quant.TimeStamp(env.Now().UnixMicro()),
		},
	}
}

func (s *OCO) Instance() *domain.StrategyInstance { return s.instance }

// validate checks static parameters and the price relationship against the
// current mark. A SELL pair exits a long: TP above the mark, SL below.
// A BUY pair exits a short: TP below the mark, SL above.
func (s *OCO) validate(ctx context.Context) error {
	p := s.params
	if p.Symbol == "" {
		return domain.NewValidationError("symbol", "required")
	}
	if p.Side != domain.SideBuy && p.Side != domain.SideSell {
		return domain.NewValidationError("side", "must be BUY or SELL")
	}
	if p.QtySats <= 0 {
		return domain.NewValidationError("quantity", "must be positive")
	}
	if p.TakeProfitMicros <= 0 || p.StopLossMicros <= 0 {
		return domain.NewValidationError("prices", "must be positive")
	}
	if p.TakeProfitMicros == p.StopLossMicros {
		return domain.NewValidationError("prices", "take profit and stop loss must differ")
	}

	filters, err := s.env.Gateway.SymbolFilters(ctx, p.Symbol)
	if err != nil {
		return err
	}
	if step := filters.QtyStepSats; step > 0 && p.QtySats%step != 0 {
		return domain.NewValidationError("quantity", fmt.Sprintf("not a multiple of lot step %s", step))
	}

	mark, err := s.env.Gateway.GetPrice(ctx, p.Symbol)
	if err != nil {
		return err
	}

	if p.Side == domain.SideSell {
		if !(p.TakeProfitMicros > mark && mark > p.StopLossMicros) {
			return domain.NewValidationError("prices",
				fmt.Sprintf("SELL pair requires TP %s > mark %s > SL %s", p.TakeProfitMicros, mark, p.StopLossMicros))
		}
	} else {
		if !(p.TakeProfitMicros < mark && mark < p.StopLossMicros) {
			return domain.NewValidationError("prices",
				fmt.Sprintf("BUY pair requires TP %s < mark %s < SL %s", p.TakeProfitMicros, mark, p.StopLossMicros))
		}
	}
	return nil
}

// Start validates, then places the take-profit leg followed by the
// stop-loss leg. A stop-loss failure rolls the take-profit back so the pair
// never rests half-armed.
func (s *OCO) Start(ctx context.Context) error {
	if err := s.validate(ctx); err != nil {
		s.instance.Transition(domain.StatusFailed)
		return err
	}

	tpAck, err := s.env.place(ctx, gateway.OrderRequest{
		Symbol:      s.params.Symbol,
		Side:        s.params.Side,
		Type:        domain.OrderTypeLimit,
		QtySats:     s.params.QtySats,
		PriceMicros: s.params.TakeProfitMicros,
		LocalID:     s.instance.ID + "-tp",
	})
	if err != nil {
		s.instance.Transition(domain.StatusFailed)
		return fmt.Errorf("place take profit: %w", err)
	}

	s.tp = &domain.OrderRef{
		ExchangeID:  tpAck.ExchangeID,
		LocalID:     s.instance.ID + "-tp",
		Symbol:      s.params.Symbol,
		Kind:        domain.OrderKindTakeProfit,
		Side:        s.params.Side,
		Status:      tpAck.Status,
		PriceMicros: s.params.TakeProfitMicros,
		QtySats:     s.params.QtySats,
	}
	s.instance.AddOrder(s.tp)

	slAck, err := s.env.place(ctx, gateway.OrderRequest{
		Symbol:          s.params.Symbol,
		Side:            s.params.Side,
		Type:            domain.OrderTypeStopMarket,
		QtySats:         s.params.QtySats,
		StopPriceMicros: s.params.StopLossMicros,
		LocalID:         s.instance.ID + "-sl",
	})
	if err != nil {
		s.env.Log.Error("stop loss placement failed, rolling back take profit", "id", s.instance.ID, "err", err)
		if _, _, cerr := s.env.cancelOrder(ctx, s.tp); cerr != nil {
			s.env.Log.Error("take profit rollback failed, manual intervention needed",
				"id", s.instance.ID, "exchange_id", s.tp.ExchangeID, "err", cerr)
		} else {
			s.tp.Status = domain.OrderStatusCancelled
		}
		s.instance.Transition(domain.StatusFailed)
		return fmt.Errorf("place stop loss: %w", err)
	}

	s.sl = &domain.OrderRef{
		ExchangeID:  slAck.ExchangeID,
		LocalID:     s.instance.ID + "-sl",
		Symbol:      s.params.Symbol,
		Kind:        domain.OrderKindStopLoss,
		Side:        s.params.Side,
		Status:      slAck.Status,
		PriceMicros: s.params.StopLossMicros,
		QtySats:     s.params.QtySats,
	}
	s.instance.AddOrder(s.sl)

	s.env.Monitor.Watch(s.tp)
	s.env.Monitor.Watch(s.sl)
	s.instance.Transition(domain.StatusActive)
	s.env.Audit.Record(s.instance.ID, "OCO_ARMED", map[string]string{
		"tp": s.tp.ExchangeID, "sl": s.sl.ExchangeID,
	})
	return nil
}

// sibling returns the other leg of the pair.
func (s *OCO) sibling(localID string) *domain.OrderRef {
	if localID == s.tp.LocalID {
		return s.sl
	}
	return s.tp
}

func (s *OCO) OnOrderEvent(ctx context.Context, ev event.OrderEvent) {
	if s.instance.Status.IsTerminal() {
		return
	}
	other := s.sibling(ev.LocalID)

	switch ev.Type {
	case event.EvFill:
		// First observed fill wins the pair. The pair is only complete once
		// the losing leg is confirmed off the venue; a leg that cannot be
		// withdrawn freezes the pair for manual reconciliation instead.
		if err := s.retireSibling(ctx, other); err != nil {
			s.freeze("sibling cancel exhausted after fill of "+ev.LocalID, err)
			return
		}
		s.instance.Transition(domain.StatusCompleted)
		s.env.Audit.Record(s.instance.ID, "OCO_FILLED", map[string]any{
			"winner": ev.LocalID, "avg_price": ev.AvgPriceMicros.String(),
		})

	case event.EvPartialFill:
		s.env.Log.Info("oco leg partially filled", "id", s.instance.ID, "local_id", ev.LocalID, "filled", ev.FilledSats)

	case event.EvCancel:
		if s.instance.Status == domain.StatusCancelling {
			s.finishCancelIfDone()
			return
		}
		// Externally cancelled leg disarms the whole pair.
		s.env.Log.Warn("oco leg cancelled externally, disarming pair", "id", s.instance.ID, "local_id", ev.LocalID)
		if err := s.retireSibling(ctx, other); err != nil {
			s.freeze("sibling cancel exhausted after external cancel of "+ev.LocalID, err)
			return
		}
		s.instance.Transition(domain.StatusCancelled)
		s.env.Audit.Record(s.instance.ID, "OCO_DISARMED", map[string]string{"cancelled_leg": ev.LocalID})

	case event.EvReject:
		s.env.Log.Error("oco leg rejected", "id", s.instance.ID, "local_id", ev.LocalID)
		if err := s.retireSibling(ctx, other); err != nil {
			s.freeze("sibling cancel exhausted after rejection of "+ev.LocalID, err)
			return
		}
		s.instance.Transition(domain.StatusFailed)

	case event.EvUnknownState:
		s.env.Log.Error("oco leg in unknown state, freezing pair", "id", s.instance.ID, "local_id", ev.LocalID)
		s.instance.Transition(domain.StatusFailed)
		s.env.Audit.Record(s.instance.ID, "OCO_FROZEN", map[string]string{"leg": ev.LocalID})
	}
}

// retireSibling cancels the losing leg, tolerating fill and not-found
// races. A non-nil error means the leg may still be resting on the venue.
func (s *OCO) retireSibling(ctx context.Context, other *domain.OrderRef) error {
	if other == nil || !other.IsOpen() {
		return nil
	}
	filledRace, gone, err := s.env.cancelOrder(ctx, other)
	if err != nil {
		return err
	}
	if filledRace || gone {
		// The monitor will observe the terminal state on its next poll.
		return nil
	}
	s.env.Monitor.Unwatch(other.LocalID)
	other.Status = domain.OrderStatusCancelled
	return nil
}

// freeze fails the pair while a leg's venue state is unresolved. The leg
// stays watched so later fills are still recorded in the audit trail.
func (s *OCO) freeze(reason string, err error) {
	s.env.Log.Error("oco frozen, manual reconciliation needed", "id", s.instance.ID, "reason", reason, "err", err)
	s.instance.Transition(domain.StatusFailed)
	s.env.Audit.Record(s.instance.ID, "OCO_FROZEN", map[string]string{"reason": reason})
}

func (s *OCO) finishCancelIfDone() {
	if !s.tp.IsOpen() && !s.sl.IsOpen() {
		s.instance.Transition(domain.StatusCancelled)
	}
}

func (s *OCO) OnTick(ctx context.Context) {}

// Pause is not meaningful for an armed exit pair.
func (s *OCO) Pause() error {
	return domain.NewValidationError("pause", "OCO pairs cannot be paused")
}

// Cancel withdraws both legs. A leg that filled during the cancel window
// wins the pair instead.
func (s *OCO) Cancel(ctx context.Context) error {
	if s.instance.Status.IsTerminal() {
		return nil
	}
	if s.instance.Status == domain.StatusPending {
		s.instance.Transition(domain.StatusCancelled)
		return nil
	}
	s.instance.Transition(domain.StatusCancelling)

	won := false
	for _, leg := range []*domain.OrderRef{s.tp, s.sl} {
		if leg == nil || !leg.IsOpen() {
			continue
		}
		filledRace, _, err := s.env.cancelOrder(ctx, leg)
		if err != nil {
			s.freeze("cancel of "+leg.LocalID+" exhausted", err)
			return err
		}
		if filledRace {
			won = true
			continue
		}
		s.env.Monitor.Unwatch(leg.LocalID)
		leg.Status = domain.OrderStatusCancelled
	}

	if won {
		s.instance.Transition(domain.StatusCompleted)
	} else {
		s.instance.Transition(domain.StatusCancelled)
	}
	s.env.Audit.Record(s.instance.ID, "OCO_CANCELLED", map[string]bool{"leg_won": won})
	return nil
}
