package gateway

import (
	"context"
	"errors"
	"testing"

	"futures_go/internal/domain"
	"futures_go/pkg/quant"
)

func TestPaperMarketOrderFillsAtMark(t *testing.T) {
	g := NewPaperGateway()
	g.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(30000))

	ack, err := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, QtySats: quant.ToQtySats(0.5),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.Status != domain.OrderStatusFilled {
		t.Fatalf("Status = %s, want FILLED", ack.Status)
	}

	snap, err := g.GetOrderStatus(context.Background(), "BTCUSDT", ack.ExchangeID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if snap.FilledSats != quant.ToQtySats(0.5) {
		t.Errorf("FilledSats = %d", snap.FilledSats)
	}
	if snap.AvgPriceMicros != quant.ToPriceMicros(30000) {
		t.Errorf("AvgPriceMicros = %d", snap.AvgPriceMicros)
	}
}

func TestPaperLimitRestsUntilCrossed(t *testing.T) {
	g := NewPaperGateway()
	g.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(30000))

	ack, err := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeLimit,
		PriceMicros: quant.ToPriceMicros(31000), QtySats: quant.ToQtySats(1),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.Status != domain.OrderStatusNew {
		t.Fatalf("Status = %s, want NEW", ack.Status)
	}

	g.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(31050))

	snap, _ := g.GetOrderStatus(context.Background(), "BTCUSDT", ack.ExchangeID)
	if snap.Status != domain.OrderStatusFilled {
		t.Errorf("Status = %s, want FILLED after cross", snap.Status)
	}
	if snap.AvgPriceMicros != quant.ToPriceMicros(31000) {
		t.Errorf("fill price = %d, want limit price", snap.AvgPriceMicros)
	}
}

func TestPaperStopMarketTriggers(t *testing.T) {
	g := NewPaperGateway()
	g.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(30000))

	// Protective sell stop below the market.
	ack, err := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeStopMarket,
		StopPriceMicros: quant.ToPriceMicros(29000), QtySats: quant.ToQtySats(1),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.Status != domain.OrderStatusNew {
		t.Fatalf("Status = %s, want NEW", ack.Status)
	}

	g.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(28900))

	snap, _ := g.GetOrderStatus(context.Background(), "BTCUSDT", ack.ExchangeID)
	if snap.Status != domain.OrderStatusFilled {
		t.Errorf("Status = %s, want FILLED after stop trigger", snap.Status)
	}
}

func TestPaperPartialFillInjection(t *testing.T) {
	g := NewPaperGateway()
	g.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(30000))

	ack, _ := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		PriceMicros: quant.ToPriceMicros(29000), QtySats: quant.ToQtySats(1),
	})

	if err := g.FillOrder(ack.ExchangeID, quant.ToQtySats(0.4), quant.ToPriceMicros(29000)); err != nil {
		t.Fatalf("FillOrder: %v", err)
	}

	snap, _ := g.GetOrderStatus(context.Background(), "BTCUSDT", ack.ExchangeID)
	if snap.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("Status = %s, want PARTIALLY_FILLED", snap.Status)
	}
	if snap.FilledSats != quant.ToQtySats(0.4) {
		t.Errorf("FilledSats = %d", snap.FilledSats)
	}

	if err := g.FillOrder(ack.ExchangeID, quant.ToQtySats(0.6), quant.ToPriceMicros(29000)); err != nil {
		t.Fatalf("FillOrder: %v", err)
	}
	snap, _ = g.GetOrderStatus(context.Background(), "BTCUSDT", ack.ExchangeID)
	if snap.Status != domain.OrderStatusFilled {
		t.Errorf("Status = %s, want FILLED", snap.Status)
	}
}

func TestPaperCancelSemantics(t *testing.T) {
	g := NewPaperGateway()
	g.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(30000))

	ack, _ := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		PriceMicros: quant.ToPriceMicros(29000), QtySats: quant.ToQtySats(1),
	})

	if err := g.CancelOrder(context.Background(), "BTCUSDT", ack.ExchangeID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	// Cancelling a cancelled order.
	err := g.CancelOrder(context.Background(), "BTCUSDT", ack.ExchangeID)
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("second cancel = %v, want ErrOrderNotFound", err)
	}

	// Cancelling a filled order.
	ack2, _ := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, QtySats: quant.ToQtySats(1),
	})
	err = g.CancelOrder(context.Background(), "BTCUSDT", ack2.ExchangeID)
	if !errors.Is(err, domain.ErrAlreadyFilled) {
		t.Errorf("cancel filled = %v, want ErrAlreadyFilled", err)
	}

	// Cancelling an unknown order.
	err = g.CancelOrder(context.Background(), "BTCUSDT", "does-not-exist")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("cancel unknown = %v, want ErrOrderNotFound", err)
	}
}

func TestPaperRejectNext(t *testing.T) {
	g := NewPaperGateway()
	g.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(30000))
	g.RejectNext(domain.RejectInsufficientBalance, "margin exhausted")

	_, err := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, QtySats: quant.ToQtySats(1),
	})
	var rej *domain.ExchangeRejection
	if !errors.As(err, &rej) || rej.Code != domain.RejectInsufficientBalance {
		t.Fatalf("error = %v, want INSUFFICIENT_BALANCE rejection", err)
	}

	// Only the next call fails.
	if _, err := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, QtySats: quant.ToQtySats(1),
	}); err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}
}
