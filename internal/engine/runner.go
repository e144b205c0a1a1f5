// Package engine runs all strategy instances on one goroutine. Controllers
// never see concurrent calls; external readers get copies guarded by a
// snapshot mutex, never the live state.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures_go/internal/domain"
	"futures_go/internal/monitor"
	"futures_go/internal/strategy"
)

// ErrUnknownStrategy is returned for commands naming no live instance.
var ErrUnknownStrategy = fmt.Errorf("unknown strategy instance")

// Runner owns the engine loop: per tick it polls the monitor, dispatches
// order events to their controllers, runs time-based work and retires
// terminal instances.
type Runner struct {
	env  strategy.Env
	mon  *monitor.Monitor
	tick time.Duration

	cmds chan command

	controllers map[string]strategy.Controller
	order       []string // submission order, deterministic iteration

	mu        sync.RWMutex // external reads only
	snapshots map[string]domain.Snapshot

	wg sync.WaitGroup
}

type command struct {
	submit strategy.Controller
	cancel string
	pause  string
	reply  chan error
}

// NewRunner creates a runner. env.Monitor is shared with the controllers.
func NewRunner(env strategy.Env, tick time.Duration) *Runner {
	if tick <= 0 {
		tick = time.Second
	}
	env.Normalize()
	return &Runner{
		env:         env,
		mon:         env.Monitor,
		tick:        tick,
		cmds:        make(chan command, 16),
		controllers: make(map[string]strategy.Controller),
		snapshots:   make(map[string]domain.Snapshot),
	}
}

// NewID mints a strategy instance id.
func NewID(kind domain.Kind) string {
	return string(kind) + "-" + uuid.NewString()[:8]
}

// SubmitOCO validates and starts an OCO pair. Blocks until the engine
// goroutine placed (or refused) the orders.
func (r *Runner) SubmitOCO(ctx context.Context, params domain.OCOParams) (string, error) {
	ctrl := strategy.NewOCO(NewID(domain.KindOCO), params, r.env)
	return ctrl.Instance().ID, r.submit(ctx, ctrl)
}

// SubmitTWAP validates and starts a TWAP execution.
func (r *Runner) SubmitTWAP(ctx context.Context, params domain.TWAPParams) (string, error) {
	ctrl := strategy.NewTWAP(NewID(domain.KindTWAP), params, r.env)
	return ctrl.Instance().ID, r.submit(ctx, ctrl)
}

// SubmitGrid validates and starts a grid ladder.
func (r *Runner) SubmitGrid(ctx context.Context, params domain.GridParams) (string, error) {
	ctrl := strategy.NewGrid(NewID(domain.KindGrid), params, r.env)
	return ctrl.Instance().ID, r.submit(ctx, ctrl)
}

func (r *Runner) submit(ctx context.Context, ctrl strategy.Controller) error {
	return r.send(ctx, command{submit: ctrl})
}

// Cancel withdraws a strategy's working orders and retires it.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	return r.send(ctx, command{cancel: id})
}

// Pause stops an instance's new order placement. One-way.
func (r *Runner) Pause(ctx context.Context, id string) error {
	return r.send(ctx, command{pause: id})
}

func (r *Runner) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last published snapshot of one instance. Terminal
// instances stay readable after retirement.
func (r *Runner) Status(id string) (domain.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snapshots[id]
	return snap, ok
}

// List returns the last published snapshot of every known instance.
func (r *Runner) List() []domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Snapshot, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		out = append(out, snap)
	}
	return out
}

// Start launches the engine loop.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Wait blocks until the loop exits.
func (r *Runner) Wait() { r.wg.Wait() }

// run is the engine loop. It must be the only goroutine touching
// controllers and instances.
func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()
	r.env.Log.Info("🧠 engine loop started", "tick", r.tick)

	defer func() {
		if rec := recover(); rec != nil {
			r.env.Log.Error("engine panic, dumping state", "panic", rec)
			r.DumpState("engine_panic_dump.json")
			panic(fmt.Sprintf("engine halted: %v", rec))
		}
	}()

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.env.Log.Info("engine loop stopping")
			return

		case cmd := <-r.cmds:
			cmd.reply <- r.handleCommand(ctx, cmd)
			r.publishSnapshots()

		case <-ticker.C:
			r.step(ctx)
		}
	}
}

func (r *Runner) handleCommand(ctx context.Context, cmd command) error {
	switch {
	case cmd.submit != nil:
		ctrl := cmd.submit
		id := ctrl.Instance().ID
		if err := ctrl.Start(ctx); err != nil {
			r.env.Log.Warn("strategy start refused", "id", id, "err", err)
			return err
		}
		r.controllers[id] = ctrl
		r.order = append(r.order, id)
		r.env.Log.Info("strategy started", "id", id, "kind", ctrl.Instance().Kind, "symbol", ctrl.Instance().Symbol)
		return nil

	case cmd.cancel != "":
		ctrl, ok := r.controllers[cmd.cancel]
		if !ok {
			return ErrUnknownStrategy
		}
		if err := ctrl.Cancel(ctx); err != nil {
			return err
		}
		r.retireTerminal()
		return nil

	case cmd.pause != "":
		ctrl, ok := r.controllers[cmd.pause]
		if !ok {
			return ErrUnknownStrategy
		}
		return ctrl.Pause()

	default:
		return fmt.Errorf("empty command")
	}
}

// step is one engine tick: poll, dispatch, time-based work, retire.
func (r *Runner) step(ctx context.Context) {
	for _, ev := range r.mon.Poll(ctx) {
		ctrl, ok := r.controllers[ev.Owner]
		if !ok {
			r.env.Log.Warn("event for unknown owner", "owner", ev.Owner, "local_id", ev.LocalID)
			continue
		}
		r.env.Audit.Record(ev.Owner, ev.Type.String(), ev)
		ctrl.OnOrderEvent(ctx, ev)
	}

	for _, id := range r.order {
		if ctrl, ok := r.controllers[id]; ok {
			ctrl.OnTick(ctx)
		}
	}

	r.publishSnapshots()
	r.retireTerminal()
}

// publishSnapshots copies the live state for external readers.
func (r *Runner) publishSnapshots() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ctrl := range r.controllers {
		snap := ctrl.Instance().Snapshot()
		if filler, ok := ctrl.(strategy.SnapshotFiller); ok {
			filler.FillSnapshot(&snap)
		}
		r.snapshots[id] = snap
	}
}

// retireTerminal drops terminal controllers, publishing their final
// snapshot first so Status keeps answering for finished instances.
func (r *Runner) retireTerminal() {
	kept := r.order[:0]
	for _, id := range r.order {
		ctrl, ok := r.controllers[id]
		if !ok {
			continue
		}
		if ctrl.Instance().Status.IsTerminal() {
			snap := ctrl.Instance().Snapshot()
			if filler, ok := ctrl.(strategy.SnapshotFiller); ok {
				filler.FillSnapshot(&snap)
			}
			r.mu.Lock()
			r.snapshots[id] = snap
			r.mu.Unlock()

			r.env.Log.Info("strategy retired", "id", id, "status", ctrl.Instance().Status)
			r.env.Audit.Record(id, "RETIRED", map[string]string{"status": string(ctrl.Instance().Status)})
			delete(r.controllers, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// DumpState writes every known snapshot to a file for post-mortem.
func (r *Runner) DumpState(filename string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := json.MarshalIndent(r.snapshots, "", "  ")
	if err != nil {
		r.env.Log.Error("state dump marshal failed", "err", err)
		return
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		r.env.Log.Error("state dump write failed", "err", err)
		return
	}
	r.env.Log.Info("state dumped", "file", filename, "instances", len(r.snapshots))
}
