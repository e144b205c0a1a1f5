// Command paper drives all three strategies through a scripted price path
// on the in-memory venue. No network, no keys; useful as a smoke run.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"futures_go/internal/domain"
	"futures_go/internal/engine"
	"futures_go/internal/gateway"
	"futures_go/internal/infra"
	"futures_go/internal/monitor"
	"futures_go/internal/strategy"
	"futures_go/pkg/quant"
)

func main() {
	defer infra.Recover()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("🧻 Paper scenario starting")

	paper := gateway.NewPaperGateway()
	paper.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(30000))

	mon := monitor.New(paper, 3, 100*time.Millisecond, logger)
	env := strategy.Env{
		Gateway: paper,
		Monitor: mon,
		Log:     logger,
	}
	runner := engine.NewRunner(env, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	ocoID, err := runner.SubmitOCO(ctx, domain.OCOParams{
		Symbol:           "BTCUSDT",
		Side:             domain.SideSell,
		QtySats:          quant.ToQtySats(0.5),
		TakeProfitMicros: quant.ToPriceMicros(31000),
		StopLossMicros:   quant.ToPriceMicros(29000),
	})
	must(err, "oco")

	twapID, err := runner.SubmitTWAP(ctx, domain.TWAPParams{
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		TotalSats:  quant.ToQtySats(1.0),
		Duration:   time.Second,
		SliceCount: 4,
		Stall:      domain.StallMarketFallback,
	})
	must(err, "twap")

	gridID, err := runner.SubmitGrid(ctx, domain.GridParams{
		Symbol:    "BTCUSDT",
		MinMicros: quant.ToPriceMicros(29000),
		MaxMicros: quant.ToPriceMicros(31000),
		Levels:    5,
		TotalSats: quant.ToQtySats(0.5),
	})
	must(err, "grid")

	// Walk the market up through the grid sells and the take profit, then
	// back down through the buys.
	path := []float64{30200, 30600, 31050, 30400, 29800, 29400, 30100}
	for _, px := range path {
		time.Sleep(300 * time.Millisecond)
		slog.Info("📊 mark", "price", px)
		paper.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(px))
	}
	time.Sleep(500 * time.Millisecond)

	for _, id := range []string{ocoID, twapID, gridID} {
		if snap, ok := runner.Status(id); ok {
			slog.Info("result",
				"id", id,
				"status", snap.Status,
				"filled", snap.FilledSats,
				"vwap", snap.VWAPMicros,
				"inventory", snap.OpenInventorySats,
				"round_trips", snap.RoundTrips,
			)
		}
	}

	if err := runner.Cancel(ctx, gridID); err != nil {
		slog.Warn("grid cancel", "err", err)
	}

	cancel()
	runner.Wait()
	slog.Info("✨ Paper scenario complete")
}

func must(err error, what string) {
	if err != nil {
		slog.Error("submission failed", "strategy", what, "err", err)
		os.Exit(1)
	}
}
