package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"futures_go/internal/app"
	"futures_go/internal/domain"
	"futures_go/internal/infra"
	"futures_go/internal/storage"
	"futures_go/pkg/quant"

	_ "net/http/pprof" // For pprof profiling
)

var (
	flagKind    = flag.String("kind", "", "strategy to submit: oco, twap or grid")
	flagSymbol  = flag.String("symbol", "BTCUSDT", "instrument symbol")
	flagSide    = flag.String("side", "SELL", "order side: BUY or SELL")
	flagQty     = flag.String("qty", "", "total quantity, e.g. 0.5")
	flagTP      = flag.String("tp", "", "oco: take profit price")
	flagSL      = flag.String("sl", "", "oco: stop loss price")
	flagSlices  = flag.Int("slices", 10, "twap: slice count")
	flagDur     = flag.Duration("duration", time.Hour, "twap: execution window")
	flagStall   = flag.String("stall", "", "twap: MARKET_FALLBACK or CARRY_FORWARD")
	flagMin     = flag.String("min", "", "grid: lower price bound")
	flagMax     = flag.String("max", "", "grid: upper price bound")
	flagLevels  = flag.Int("levels", 10, "grid: ladder size")
	flagHistory = flag.String("history", "", "print the audit trail of one strategy id and exit")
)

func main() {
	defer infra.Recover()
	flag.Parse()

	if *flagHistory != "" {
		if err := printHistory(*flagHistory); err != nil {
			slog.Error("❌ History dump failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	// Pprof Server (localhost only)
	go func() {
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize([]string{*flagSymbol}); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap.Start(ctx)

	if *flagKind != "" {
		id, err := submit(ctx, bootstrap)
		if err != nil {
			slog.Error("❌ Strategy submission refused", slog.Any("error", err))
			stop()
			bootstrap.Shutdown()
			os.Exit(1)
		}
		slog.Info("📈 Strategy submitted", "id", id)
		go watch(ctx, bootstrap, id, stop)
	}

	<-ctx.Done()
	bootstrap.Shutdown()
}

func submit(ctx context.Context, b *app.Bootstrap) (string, error) {
	switch strings.ToLower(*flagKind) {
	case "oco":
		return b.Runner.SubmitOCO(ctx, domain.OCOParams{
			Symbol:           *flagSymbol,
			Side:             domain.Side(strings.ToUpper(*flagSide)),
			QtySats:          quant.ToQtySatsStr(*flagQty),
			TakeProfitMicros: quant.ToPriceMicrosStr(*flagTP),
			StopLossMicros:   quant.ToPriceMicrosStr(*flagSL),
		})
	case "twap":
		stall := domain.StallPolicy(strings.ToUpper(*flagStall))
		if *flagStall == "" {
			stall = domain.StallPolicy(b.Config.Engine.TWAPStallPolicy)
		}
		return b.Runner.SubmitTWAP(ctx, domain.TWAPParams{
			Symbol:     *flagSymbol,
			Side:       domain.Side(strings.ToUpper(*flagSide)),
			TotalSats:  quant.ToQtySatsStr(*flagQty),
			Duration:   *flagDur,
			SliceCount: *flagSlices,
			Stall:      stall,
		})
	case "grid":
		return b.Runner.SubmitGrid(ctx, domain.GridParams{
			Symbol:    *flagSymbol,
			MinMicros: quant.ToPriceMicrosStr(*flagMin),
			MaxMicros: quant.ToPriceMicrosStr(*flagMax),
			Levels:    *flagLevels,
			TotalSats: quant.ToQtySatsStr(*flagQty),
		})
	default:
		return "", fmt.Errorf("unknown strategy kind: %s", *flagKind)
	}
}

// watch logs progress and exits the process once the instance retires.
func watch(ctx context.Context, b *app.Bootstrap, id string, stop func()) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, ok := b.Runner.Status(id)
			if !ok {
				continue
			}
			slog.Info("strategy status", "id", id, "status", snap.Status, "filled", snap.FilledSats)
			if snap.Status.IsTerminal() {
				slog.Info("🏁 Strategy finished", "id", id, "status", snap.Status)
				stop()
				return
			}
		}
	}
}

// printHistory dumps the audit trail of one strategy as line-delimited JSON.
func printHistory(strategyID string) error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	mode := strings.ToLower(cfg.Trading.Mode)
	dbPath := filepath.Join(infra.GetWorkspaceDir(), "data", mode, "audit.db")

	audit, err := storage.NewAuditLog(dbPath)
	if err != nil {
		return err
	}
	defer audit.Close()

	entries, err := audit.LoadByStrategy(context.Background(), strategyID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		fmt.Println(string(line))
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", len(entries))
	return nil
}
