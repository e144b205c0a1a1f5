package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures_go/internal/domain"
	"futures_go/internal/gateway"
	"futures_go/internal/infra"
	"futures_go/internal/monitor"
	"futures_go/internal/strategy"
	"futures_go/pkg/quant"
)

func newTestRunner(t *testing.T) (*Runner, *gateway.PaperGateway) {
	t.Helper()
	paper := gateway.NewPaperGateway()
	paper.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(30000))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := strategy.Env{
		Gateway:      paper,
		Monitor:      monitor.New(paper, 3, time.Millisecond, log),
		Log:          log,
		PlaceRetries: 3,
		RetryBackoff: infra.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	}
	return NewRunner(env, time.Second), paper
}

func ocoParams() domain.OCOParams {
	return domain.OCOParams{
		Symbol:           "BTCUSDT",
		Side:             domain.SideSell,
		QtySats:          quant.ToQtySats(0.5),
		TakeProfitMicros: quant.ToPriceMicros(32000),
		StopLossMicros:   quant.ToPriceMicros(28000),
	}
}

// submitDirect drives the command path without the loop goroutine.
func submitDirect(t *testing.T, r *Runner, ctrl strategy.Controller) string {
	t.Helper()
	require.NoError(t, r.handleCommand(context.Background(), command{submit: ctrl}))
	r.publishSnapshots()
	return ctrl.Instance().ID
}

func TestRunnerLifecycleToCompletion(t *testing.T) {
	r, paper := newTestRunner(t)
	ctx := context.Background()

	id := submitDirect(t, r, strategy.NewOCO(NewID(domain.KindOCO), ocoParams(), r.env))

	snap, ok := r.Status(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.Len(t, snap.Orders, 2)

	// Take profit crosses; the next tick observes the fill and retires
	// the instance.
	paper.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(32100))
	r.step(ctx)

	snap, ok = r.Status(id)
	require.True(t, ok, "terminal snapshot must remain readable")
	assert.Equal(t, domain.StatusCompleted, snap.Status)
	assert.Empty(t, r.controllers, "terminal controller not retired")
	assert.Zero(t, r.mon.Watched())
}

func TestRunnerRefusedStartNotRetained(t *testing.T) {
	r, _ := newTestRunner(t)

	params := ocoParams()
	params.QtySats = 0
	ctrl := strategy.NewOCO(NewID(domain.KindOCO), params, r.env)

	err := r.handleCommand(context.Background(), command{submit: ctrl})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, r.controllers)
}

func TestRunnerCancelCommand(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	id := submitDirect(t, r, strategy.NewOCO(NewID(domain.KindOCO), ocoParams(), r.env))

	require.NoError(t, r.handleCommand(ctx, command{cancel: id}))

	snap, ok := r.Status(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, snap.Status)
	assert.Empty(t, r.controllers)
}

func TestRunnerUnknownInstance(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	err := r.handleCommand(ctx, command{cancel: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownStrategy))

	err = r.handleCommand(ctx, command{pause: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownStrategy))
}

func TestRunnerTWAPSnapshotCarriesVWAP(t *testing.T) {
	r, paper := newTestRunner(t)
	ctx := context.Background()

	ctrl := strategy.NewTWAP(NewID(domain.KindTWAP), domain.TWAPParams{
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		TotalSats:  quant.ToQtySats(0.3),
		Duration:   time.Minute,
		SliceCount: 3,
	}, r.env)
	id := submitDirect(t, r, ctrl)

	snap, _ := r.Status(id)
	require.Len(t, snap.Orders, 1)
	require.NoError(t, paper.FillOrder(snap.Orders[0].ExchangeID, quant.ToQtySats(0.1), quant.ToPriceMicros(30000)))
	r.step(ctx)

	snap, _ = r.Status(id)
	assert.Equal(t, quant.ToPriceMicros(30000), snap.VWAPMicros)
	assert.Equal(t, quant.ToQtySats(0.1), snap.FilledSats)
}

func TestRunnerMultipleInstancesIsolated(t *testing.T) {
	r, paper := newTestRunner(t)
	ctx := context.Background()

	paper.SetMarkPrice("ETHUSDT", quant.ToPriceMicros(2000))

	ocoID := submitDirect(t, r, strategy.NewOCO(NewID(domain.KindOCO), ocoParams(), r.env))
	gridID := submitDirect(t, r, strategy.NewGrid(NewID(domain.KindGrid), domain.GridParams{
		Symbol:    "ETHUSDT",
		MinMicros: quant.ToPriceMicros(1800),
		MaxMicros: quant.ToPriceMicros(2200),
		Levels:    5,
		TotalSats: quant.ToQtySats(1.0),
	}, r.env))

	// The OCO finishing must not disturb the grid.
	paper.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(32100))
	r.step(ctx)

	ocoSnap, _ := r.Status(ocoID)
	gridSnap, _ := r.Status(gridID)
	assert.Equal(t, domain.StatusCompleted, ocoSnap.Status)
	assert.Equal(t, domain.StatusActive, gridSnap.Status)
	assert.Len(t, r.List(), 2)
}

func TestRunnerLoopProcessesCommands(t *testing.T) {
	r, paper := newTestRunner(t)
	r.tick = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := r.SubmitOCO(ctx, ocoParams())
	require.NoError(t, err)

	paper.SetMarkPrice("BTCUSDT", quant.ToPriceMicros(27900))

	require.Eventually(t, func() bool {
		snap, ok := r.Status(id)
		return ok && snap.Status == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	r.Wait()
}

func TestRunnerDumpState(t *testing.T) {
	r, _ := newTestRunner(t)
	submitDirect(t, r, strategy.NewOCO(NewID(domain.KindOCO), ocoParams(), r.env))

	path := filepath.Join(t.TempDir(), "dump.json")
	r.DumpState(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"status\"")
}
