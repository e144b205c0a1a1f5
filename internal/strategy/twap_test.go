package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures_go/internal/domain"
)

func validTWAPParams() domain.TWAPParams {
	return domain.TWAPParams{
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		TotalSats:  mkQty(1.0),
		Duration:   3 * time.Minute,
		SliceCount: 3,
	}
}

func startedTWAP(t *testing.T, rig *testRig, params domain.TWAPParams) *TWAP {
	t.Helper()
	s := NewTWAP("twap-1", params, rig.env)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func TestTWAPValidation(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))

	tests := []struct {
		name   string
		mutate func(*domain.TWAPParams)
	}{
		{"zero total", func(p *domain.TWAPParams) { p.TotalSats = 0 }},
		{"zero slices", func(p *domain.TWAPParams) { p.SliceCount = 0 }},
		{"zero duration", func(p *domain.TWAPParams) { p.Duration = 0 }},
		{"bad side", func(p *domain.TWAPParams) { p.Side = "HOLD" }},
		{"bad stall policy", func(p *domain.TWAPParams) { p.Stall = "PRAY" }},
		{"dust slices", func(p *domain.TWAPParams) { p.TotalSats = mkQty(0.005) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validTWAPParams()
			tt.mutate(&params)
			s := NewTWAP("twap-bad", params, rig.env)

			err := s.Start(context.Background())
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, domain.StatusFailed, s.Instance().Status)
		})
	}
}

func TestTWAPSliceQuantitiesSumExactly(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))

	s := startedTWAP(t, rig, validTWAPParams())

	// 1.0 over 3 slices at a 0.01 lot step: 0.33, 0.33, 0.34.
	require.Len(t, s.slices, 3)
	assert.Equal(t, mkQty(0.33), s.slices[0].QtySats)
	assert.Equal(t, mkQty(0.33), s.slices[1].QtySats)
	assert.Equal(t, mkQty(0.34), s.slices[2].QtySats)

	var sum int64
	for _, sl := range s.slices {
		sum += int64(sl.QtySats)
	}
	assert.Equal(t, int64(mkQty(1.0)), sum)
}

func TestTWAPEvenSplitHasNoRemainder(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))

	params := validTWAPParams()
	params.SliceCount = 4
	s := startedTWAP(t, rig, params)

	require.Len(t, s.slices, 4)
	for _, sl := range s.slices {
		assert.Equal(t, mkQty(0.25), sl.QtySats)
	}
}

func TestTWAPStartIssuesFirstSliceAtMark(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))

	s := startedTWAP(t, rig, validTWAPParams())

	require.Equal(t, domain.StatusActive, s.Instance().Status)
	require.NotNil(t, s.slices[0].Ref)
	assert.Equal(t, mkPrice(30000), s.slices[0].Ref.PriceMicros)
	assert.Equal(t, 1, rig.mon.Watched())

	// The next slice is not due yet.
	s.OnTick(context.Background())
	assert.Len(t, s.Instance().Orders, 1)
}

func TestTWAPMarketFallbackOnStall(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))
	s := startedTWAP(t, rig, validTWAPParams())

	rig.clock.Advance(61 * time.Second)
	s.OnTick(context.Background())

	// Slice 0 was cancelled and its remainder crossed at market,
	// slice 1 is now resting.
	require.Len(t, s.Instance().Orders, 3)
	stalled, fallback, slice1 := s.Instance().Orders[0], s.Instance().Orders[1], s.Instance().Orders[2]
	assert.Equal(t, domain.OrderStatusCancelled, stalled.Status)
	assert.Equal(t, domain.OrderStatusFilled, fallback.Status)
	assert.Equal(t, mkQty(0.33), fallback.QtySats)
	assert.True(t, slice1.IsOpen())
}

func TestTWAPCarryForwardFoldsRemainder(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))

	params := validTWAPParams()
	params.Stall = domain.StallCarryForward
	s := startedTWAP(t, rig, params)

	rig.clock.Advance(61 * time.Second)
	s.OnTick(context.Background())

	// No market order: slice 1 carries slice 0's full remainder.
	require.Len(t, s.Instance().Orders, 2)
	slice1 := s.Instance().Orders[1]
	assert.Equal(t, mkQty(0.66), slice1.QtySats)
}

func TestTWAPCarryForwardRespectsPartialFills(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))

	params := validTWAPParams()
	params.Stall = domain.StallCarryForward
	s := startedTWAP(t, rig, params)

	// Slice 0 half fills before it stalls.
	require.NoError(t, rig.paper.FillOrder(s.slices[0].Ref.ExchangeID, mkQty(0.13), mkPrice(30000)))
	rig.pump(s)

	rig.clock.Advance(61 * time.Second)
	s.OnTick(context.Background())

	slice1 := s.Instance().Orders[1]
	assert.Equal(t, mkQty(0.53), slice1.QtySats, "carry = slice qty + unfilled remainder")
}

func TestTWAPFinalSliceStallGoesToMarket(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))

	params := validTWAPParams()
	params.Stall = domain.StallCarryForward
	s := startedTWAP(t, rig, params)

	for i := 0; i < 3; i++ {
		rig.clock.Advance(61 * time.Second)
		s.OnTick(context.Background())
		rig.pump(s)
	}

	// Even under CARRY_FORWARD the horizon closes with a market order;
	// there is no later slice to carry into.
	assert.Equal(t, domain.StatusCompleted, s.Instance().Status)
	assert.Equal(t, mkQty(1.0), s.Instance().FilledSats())
}

func TestTWAPCompletesWhenAllSlicesFill(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))
	s := startedTWAP(t, rig, validTWAPParams())

	for i := 0; i < 3; i++ {
		ref := s.slices[i].Ref
		require.NotNil(t, ref, "slice %d not issued", i)
		require.NoError(t, rig.paper.FillOrder(ref.ExchangeID, ref.QtySats, ref.PriceMicros))
		rig.pump(s)
		rig.clock.Advance(61 * time.Second)
		s.OnTick(context.Background())
	}

	assert.Equal(t, domain.StatusCompleted, s.Instance().Status)
	assert.Equal(t, mkQty(1.0), s.Instance().FilledSats())
	assert.Zero(t, rig.mon.Watched())
}

func TestTWAPVWAPAccounting(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))
	s := startedTWAP(t, rig, validTWAPParams())

	assert.Zero(t, s.VWAP(), "vwap before any fill")

	// 0.33 at 30000, then 0.33 at 31000 after the price moves.
	require.NoError(t, rig.paper.FillOrder(s.slices[0].Ref.ExchangeID, mkQty(0.33), mkPrice(30000)))
	rig.pump(s)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(31000))
	rig.clock.Advance(61 * time.Second)
	s.OnTick(context.Background())
	require.NoError(t, rig.paper.FillOrder(s.slices[1].Ref.ExchangeID, mkQty(0.33), mkPrice(31000)))
	rig.pump(s)

	assert.Equal(t, mkPrice(30500), s.VWAP())
}

func TestTWAPVWAPWithPartialFillsAtDifferentPrices(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))
	s := startedTWAP(t, rig, validTWAPParams())

	// Two partial fills of one slice at different prices. The venue reports
	// a cumulative average, but each delta must weigh in at its own price.
	ref := s.slices[0].Ref
	require.NoError(t, rig.paper.FillOrder(ref.ExchangeID, mkQty(0.10), mkPrice(30000)))
	rig.pump(s)
	require.NoError(t, rig.paper.FillOrder(ref.ExchangeID, mkQty(0.10), mkPrice(31000)))
	rig.pump(s)

	assert.Equal(t, mkQty(0.20), s.Instance().FilledSats())
	assert.Equal(t, mkPrice(30500), s.VWAP())
}

func TestTWAPTransientPlacementRetriesThenFails(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))
	gw := &downGateway{
		Gateway: rig.paper,
		err:     &domain.GatewayError{Op: "PlaceOrder", Err: fmt.Errorf("connection reset")},
	}
	rig.env.Gateway = gw

	s := NewTWAP("twap-down", validTWAPParams(), rig.env)
	err := s.Start(context.Background())

	require.Error(t, err)
	var ge *domain.GatewayError
	assert.ErrorAs(t, err, &ge)
	assert.Equal(t, 3, gw.calls, "transient placement failures back off and retry")
	assert.Equal(t, domain.StatusFailed, s.Instance().Status)
}

func TestTWAPPauseStopsNewSlices(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))
	s := startedTWAP(t, rig, validTWAPParams())

	require.NoError(t, s.Pause())
	assert.Equal(t, domain.StatusPaused, s.Instance().Status)

	rig.clock.Advance(2 * time.Minute)
	s.OnTick(context.Background())
	assert.Len(t, s.Instance().Orders, 1, "no slices while paused")

	// Pausing is one-way.
	assert.Error(t, s.Pause())
}

func TestTWAPCancelFailureDoesNotReportClean(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))
	gw := &stuckCancelGateway{
		Gateway: rig.paper,
		err:     &domain.GatewayError{Op: "CancelOrder", Err: fmt.Errorf("connection reset")},
	}
	rig.env.Gateway = gw
	s := startedTWAP(t, rig, validTWAPParams())

	err := s.Cancel(context.Background())

	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, s.Instance().Status)
	assert.True(t, s.slices[0].Ref.IsOpen(), "the slice the venue still holds must stay visible")
}

func TestTWAPCancelWithdrawsWorkingSlice(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))
	s := startedTWAP(t, rig, validTWAPParams())

	require.NoError(t, rig.paper.FillOrder(s.slices[0].Ref.ExchangeID, mkQty(0.10), mkPrice(30000)))
	rig.pump(s)

	require.NoError(t, s.Cancel(context.Background()))

	assert.Equal(t, domain.StatusCancelled, s.Instance().Status)
	assert.False(t, s.slices[0].Ref.IsOpen())
	// Filled quantity stays filled.
	assert.Equal(t, mkQty(0.10), s.Instance().FilledSats())
}

func TestTWAPPlacementRejectionFails(t *testing.T) {
	rig := newTestRig(t)
	rig.paper.SetMarkPrice("BTCUSDT", mkPrice(30000))

	env := rig.env
	env.Gateway = &failingGateway{
		Gateway:  rig.paper,
		failCall: 2,
		err:      &domain.ExchangeRejection{Code: domain.RejectInsufficientBalance, Msg: "no margin"},
	}
	s := NewTWAP("twap-rej", validTWAPParams(), env)
	require.NoError(t, s.Start(context.Background()))

	rig.clock.Advance(61 * time.Second)
	s.OnTick(context.Background())

	assert.Equal(t, domain.StatusFailed, s.Instance().Status)
}
