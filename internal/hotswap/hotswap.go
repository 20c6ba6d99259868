// Package hotswap coordinates replacing a live module's code while its agent
// state stays resident. A swap quiesces the module, checkpoints its state,
// exchanges the code binding through a loader and security gate, migrates
// state to the new version, and resumes; any failure restores the previous
// binding and state.
package hotswap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/migration"
	"simswap.dev/internal/hotswap/registry"
	"simswap.dev/internal/hotswap/statestore"
	"simswap.dev/internal/hotswap/version"
	"simswap.dev/internal/metrics"
)

// ErrDeferred reports that a swap ran out of its phase budget before the
// point of no return. The module is back in its pre-swap state; the host
// requeues the request for a later tick.
var ErrDeferred = errors.New("swap deferred: phase budget exhausted")

// Handle is the loader's opaque reference to loaded code.
type Handle any

// CodeLoader loads and unloads module code. Implementations range from
// in-process constructors to plugin loaders.
type CodeLoader interface {
	Load(path string) (Handle, registry.Module, error)
	Unload(h Handle) error
}

// SecurityGate authorizes new code before it receives state. A denial aborts
// the swap through the normal rollback path.
type SecurityGate interface {
	Authorize(name string, v version.Version, path string) error
}

// EventSink receives swap outcomes for audit persistence. Implementations
// must not block the swap path.
type EventSink interface {
	RecordSwap(ev SwapEvent)
}

// SwapEvent is the audit record of one swap attempt.
type SwapEvent struct {
	Module     string          `json:"module"`
	From       version.Version `json:"from"`
	To         version.Version `json:"to"`
	Path       string          `json:"path"`
	Outcome    string          `json:"outcome"` // success/failed/deferred
	Err        string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration_ns"`
	RolledBack bool            `json:"rolled_back"`
	At         time.Time       `json:"at"`
}

// SwapRequest asks for module to be rebound to the code at Path, migrating
// state from the registered version to To.
type SwapRequest struct {
	Module string
	Path   string
	To     version.Version
	Flags  migration.Flags
}

// Options tunes the orchestrator.
type Options struct {
	// PhaseBudget bounds pre-migration swap phases; zero disables deferral.
	PhaseBudget time.Duration
	Logger      *log.Logger
	Sink        EventSink
}

// Orchestrator wires the registry, state store, migration engine, loader,
// and gate into the swap sequence.
type Orchestrator struct {
	reg    *registry.Registry
	store  *statestore.Store
	engine *migration.Engine
	loader CodeLoader
	gate   SecurityGate
	opts   Options
	logger *log.Logger

	mu       sync.Mutex
	handles  map[string]Handle
	swapping map[string]bool
}

// New returns an orchestrator. loader is required; gate may be nil, which
// authorizes everything.
func New(reg *registry.Registry, store *statestore.Store, engine *migration.Engine,
	loader CodeLoader, gate SecurityGate, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[hotswap] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Orchestrator{
		reg:      reg,
		store:    store,
		engine:   engine,
		loader:   loader,
		gate:     gate,
		opts:     opts,
		logger:   logger,
		handles:  make(map[string]Handle),
		swapping: make(map[string]bool),
	}
}

// Bind records the code handle backing an already-registered module. The
// host calls this once per module at startup.
func (o *Orchestrator) Bind(name string, h Handle) {
	o.mu.Lock()
	o.handles[name] = h
	o.mu.Unlock()
}

// Status exposes the in-flight migration snapshot for name.
func (o *Orchestrator) Status(name string) (migration.Snapshot, bool) {
	return o.engine.Status(name)
}

// Swap replaces module code in place. The sequence is PreSwap quiesce,
// checkpoint, code exchange through the loader and gate, state migration,
// PostSwap. Each pre-migration phase checks the budget; an over-budget swap
// is undone and deferred rather than allowed to stall the host loop. After
// migration starts the swap runs to completion or rollback.
func (o *Orchestrator) Swap(ctx context.Context, req SwapRequest) error {
	start := time.Now()
	var res swapResult
	err := o.swap(ctx, start, req, &res)
	o.emit(req, res, start, err)
	return err
}

// swapResult carries audit facts out of the swap sequence.
type swapResult struct {
	from       version.Version
	rolledBack bool
}

func (o *Orchestrator) swap(ctx context.Context, start time.Time, req SwapRequest, res *swapResult) error {
	o.mu.Lock()
	if o.swapping[req.Module] {
		o.mu.Unlock()
		return fmt.Errorf("swap %q: %w", req.Module, hotswaperr.ErrMigrationInFlight)
	}
	o.swapping[req.Module] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.swapping, req.Module)
		o.mu.Unlock()
	}()

	d, err := o.reg.Find(req.Module)
	if err != nil {
		return fmt.Errorf("swap %q: %w", req.Module, err)
	}
	from := d.Version
	res.from = from
	o.logger.Printf("swap %s: %s→%s path=%s", req.Module, from, req.To, req.Path)

	// Quiesce. The module stops mutating its state before the checkpoint.
	if err := o.overBudget(start); err != nil {
		return err
	}
	if err := o.quiesce(d); err != nil {
		return fmt.Errorf("swap %q: quiesce: %w", req.Module, err)
	}

	if err := o.overBudget(start); err != nil {
		o.resume(d)
		return err
	}
	if _, err := o.store.CreateCheckpoint(req.Module); err != nil {
		o.resume(d)
		return fmt.Errorf("swap %q: checkpoint: %w", req.Module, err)
	}
	metrics.CheckpointsTotal.WithLabelValues("create").Inc()

	// Code exchange. The old binding is kept until the new code is loaded,
	// authorized, and migrated; unloading it earlier would leave no rollback
	// target.
	if err := o.overBudget(start); err != nil {
		o.resume(d)
		return err
	}
	newHandle, newMod, err := o.loader.Load(req.Path)
	if err != nil {
		o.resume(d)
		return fmt.Errorf("swap %q: load %s: %w", req.Module, req.Path, err)
	}

	if o.gate != nil {
		if err := o.gate.Authorize(req.Module, req.To, req.Path); err != nil {
			_ = o.loader.Unload(newHandle)
			o.resume(d)
			return fmt.Errorf("swap %q: %w: %w", req.Module, hotswaperr.ErrSecurityDenied, err)
		}
	}

	// Migration. Point of no return for the budget: from here the swap
	// finishes or rolls back, never defers.
	checkStart := time.Now()
	mctx := migration.NewContext(req.Module, from, req.To, req.Flags)
	metrics.CompatCheckDuration.Observe(time.Since(checkStart).Seconds())
	if err := o.engine.Execute(ctx, mctx); err != nil {
		_ = o.loader.Unload(newHandle)
		res.rolledBack = o.failBack(d, from, mctx.Snapshot().RolledBack)
		metrics.MigrationsTotal.WithLabelValues(mctx.Strategy.String(), "failed").Inc()
		return fmt.Errorf("swap %q: %w", req.Module, err)
	}
	metrics.MigrationsTotal.WithLabelValues(mctx.Strategy.String(), "success").Inc()
	metrics.MigrationDuration.Observe(time.Since(checkStart).Seconds())

	// Rebind. The old handle is released only now.
	o.mu.Lock()
	oldHandle, hadOld := o.handles[req.Module]
	o.handles[req.Module] = newHandle
	o.mu.Unlock()
	if hadOld && oldHandle != nil {
		if err := o.loader.Unload(oldHandle); err != nil {
			o.logger.Printf("swap %s: unload old code: %v", req.Module, err)
		}
	}
	if err := o.reg.UpdateBinding(req.Module, newMod, req.To, req.Path); err != nil {
		o.logger.Printf("swap %s: rebind: %v", req.Module, err)
	}

	if newMod != nil {
		if err := newMod.PostSwap(); err != nil {
			o.logger.Printf("swap %s: post-swap hook: %v", req.Module, err)
		}
	}
	o.resume(d)
	o.logger.Printf("swap %s: complete, now %s", req.Module, req.To)
	return nil
}

// quiesce pauses an active module and runs its PreSwap hook.
func (o *Orchestrator) quiesce(d *registry.Descriptor) error {
	if d.State == registry.Active {
		if err := o.reg.SetState(d.Name, registry.Pausing); err != nil {
			return err
		}
		if d.Hooks != nil {
			if err := d.Hooks.Pause(); err != nil {
				o.reg.ForceState(d.Name, registry.Error)
				return err
			}
		}
		if err := o.reg.SetState(d.Name, registry.Paused); err != nil {
			return err
		}
	}
	if d.Hooks != nil {
		if err := d.Hooks.PreSwap(); err != nil {
			return err
		}
	}
	return nil
}

// resume returns a paused module to Active.
func (o *Orchestrator) resume(d *registry.Descriptor) {
	if d.State != registry.Paused {
		return
	}
	if err := o.reg.SetState(d.Name, registry.Resuming); err != nil {
		return
	}
	if d.Hooks != nil {
		if err := d.Hooks.Resume(); err != nil {
			o.reg.ForceState(d.Name, registry.Error)
			return
		}
	}
	_ = o.reg.SetState(d.Name, registry.Active)
}

// failBack restores the previous binding after a failed migration. The
// engine has already restored state when rolledBack is set; otherwise the
// orchestrator's own checkpoint is the fallback.
func (o *Orchestrator) failBack(d *registry.Descriptor, from version.Version, rolledBack bool) bool {
	o.reg.ForceState(d.Name, registry.Error)
	if !rolledBack && o.store.HasCheckpoint(d.Name) {
		if err := o.store.RestoreCheckpoint(d.Name); err != nil {
			o.logger.Printf("swap %s: restore after failure: %v", d.Name, err)
		} else {
			metrics.CheckpointsTotal.WithLabelValues("restore").Inc()
			rolledBack = true
		}
	}
	if rolledBack {
		metrics.RollbacksTotal.Inc()
	}
	if err := o.reg.SetVersion(d.Name, from); err != nil {
		o.logger.Printf("swap %s: restore version: %v", d.Name, err)
	}
	o.reg.ForceState(d.Name, registry.Paused)
	o.resume(d)
	return rolledBack
}

func (o *Orchestrator) overBudget(start time.Time) error {
	if o.opts.PhaseBudget <= 0 {
		return nil
	}
	if time.Since(start) <= o.opts.PhaseBudget {
		return nil
	}
	return ErrDeferred
}

func (o *Orchestrator) emit(req SwapRequest, res swapResult, start time.Time, err error) {
	outcome := "success"
	switch {
	case errors.Is(err, ErrDeferred):
		outcome = "deferred"
	case err != nil:
		outcome = "failed"
	}
	metrics.SwapsTotal.WithLabelValues(req.Module, outcome).Inc()
	if o.opts.Sink == nil {
		return
	}
	ev := SwapEvent{
		Module:     req.Module,
		From:       res.from,
		To:         req.To,
		Path:       req.Path,
		Outcome:    outcome,
		Duration:   time.Since(start),
		RolledBack: res.rolledBack,
		At:         start,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	o.opts.Sink.RecordSwap(ev)
}
