// Package migration moves agent state between module versions through a
// phased pipeline: backup, compatibility validation, chained record
// transforms, and post-migration verification, with rollback to the backup
// on any failure.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/statestore"
	"simswap.dev/internal/hotswap/version"
)

// StepFunc rewrites one agent record in place during a migration step.
type StepFunc func(agentID int, record []byte) error

type step struct {
	from, to version.Version
	fn       StepFunc
}

// Engine owns the step registry and runs migrations against a state store.
// One migration per module may be in flight at a time.
type Engine struct {
	store  *statestore.Store
	logger *log.Logger

	mu       sync.Mutex
	steps    map[string]step // keyed by from-version string
	inflight map[string]*Context
}

// NewEngine returns an engine bound to store. A nil logger falls back to a
// prefixed stdout logger.
func NewEngine(store *statestore.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stdout, "[migrate] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Engine{
		store:    store,
		logger:   logger,
		steps:    make(map[string]step),
		inflight: make(map[string]*Context),
	}
}

// RegisterStep registers the transform that carries records from one version
// to the next. Each version may have at most one outgoing step; the chain
// from→to is walked step by step, and a missing link fails the migration
// rather than skipping ahead.
func (e *Engine) RegisterStep(from, to version.Version, fn StepFunc) error {
	if fn == nil {
		return fmt.Errorf("register step %s→%s: nil func: %w",
			from, to, hotswaperr.ErrInvalidArgument)
	}
	if version.Compare(from, to) == 0 {
		return fmt.Errorf("register step %s→%s: identical versions: %w",
			from, to, hotswaperr.ErrInvalidArgument)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := from.String()
	if _, ok := e.steps[key]; ok {
		return fmt.Errorf("register step %s→%s: outgoing step exists: %w",
			from, to, hotswaperr.ErrAlreadyExists)
	}
	e.steps[key] = step{from: from, to: to, fn: fn}
	return nil
}

// Status returns the snapshot of the in-flight migration for module, if any.
func (e *Engine) Status(module string) (Snapshot, bool) {
	e.mu.Lock()
	m, ok := e.inflight[module]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return m.Snapshot(), true
}

// chain resolves the step sequence carrying state from→to. A version with no
// outgoing step, or a cycle, is a hard failure.
func (e *Engine) chain(from, to version.Version) ([]step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []step
	cur := from
	for version.Compare(cur, to) != 0 {
		st, ok := e.steps[cur.String()]
		if !ok {
			return nil, fmt.Errorf("no step out of %s toward %s: %w",
				cur, to, hotswaperr.ErrMigrationFailed)
		}
		out = append(out, st)
		cur = st.to
		if len(out) > len(e.steps) {
			return nil, fmt.Errorf("step cycle from %s toward %s: %w",
				from, to, hotswaperr.ErrMigrationFailed)
		}
	}
	return out, nil
}

// Execute runs the migration described by mctx. Phases run in order and each
// one checks the deadline first; a deadline hit is a phase failure, and any
// phase failure routes through rollback when RollbackOnFail is set. Execute
// returns the error recorded on the context.
func (e *Engine) Execute(ctx context.Context, mctx *Context) error {
	e.mu.Lock()
	if _, busy := e.inflight[mctx.Module]; busy {
		e.mu.Unlock()
		return fmt.Errorf("module %q: %w", mctx.Module, hotswaperr.ErrMigrationInFlight)
	}
	e.inflight[mctx.Module] = mctx
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, mctx.Module)
		e.mu.Unlock()
	}()

	mctx.mu.Lock()
	mctx.startedAt = time.Now()
	mctx.mu.Unlock()

	if mctx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mctx.Timeout)
		defer cancel()
	}

	e.logger.Printf("migration %s: module=%s %s→%s strategy=%s",
		mctx.ID, mctx.Module, mctx.From, mctx.To, mctx.Strategy)

	switch mctx.Strategy {
	case StrategyNone:
		mctx.complete()
		return nil
	case StrategyManual:
		if !mctx.Flags.AllowForce {
			err := fmt.Errorf("module %q: %s→%s declares a break, operator override required: %w",
				mctx.Module, mctx.From, mctx.To, hotswaperr.ErrIncompatible)
			mctx.fail(err, false)
			return err
		}
	case StrategyForce:
		if !mctx.Flags.AllowForce {
			err := fmt.Errorf("module %q: forced major upgrade %s→%s requires override: %w",
				mctx.Module, mctx.From, mctx.To, hotswaperr.ErrIncompatible)
			mctx.fail(err, false)
			return err
		}
	}

	backedUp := false

	// Backup.
	mctx.setPhase(StateBackup, 0)
	if err := phaseErr(ctx); err != nil {
		return e.abort(mctx, backedUp, fmt.Errorf("backup: %w", err))
	}
	if mctx.Flags.Backup {
		if _, err := e.store.CreateCheckpoint(mctx.Module); err != nil {
			return e.abort(mctx, backedUp, fmt.Errorf("backup: %w", err))
		}
		backedUp = true
	}
	mctx.setPhase(StateValidate, 20)

	// Validate. Compatibility applies to automatic upgrades; manual, force,
	// and rollback paths have already been gated above.
	if err := phaseErr(ctx); err != nil {
		return e.abort(mctx, backedUp, fmt.Errorf("validate: %w", err))
	}
	if mctx.Flags.Validate && mctx.Strategy == StrategyAutomatic {
		if !version.IsCompatible(mctx.From, mctx.To) {
			err := fmt.Errorf("validate: %s is not compatible with %s: %w",
				mctx.To, mctx.From, hotswaperr.ErrIncompatible)
			return e.abort(mctx, backedUp, err)
		}
	}
	mctx.setPhase(StateMigrate, 40)

	// Migrate.
	if err := phaseErr(ctx); err != nil {
		return e.abort(mctx, backedUp, fmt.Errorf("migrate: %w", err))
	}
	steps, err := e.chain(mctx.From, mctx.To)
	if err != nil {
		return e.abort(mctx, backedUp, err)
	}
	if err := e.runSteps(ctx, mctx, steps); err != nil {
		return e.abort(mctx, backedUp, err)
	}
	if err := e.store.SetModuleVersion(mctx.Module, mctx.To); err != nil {
		return e.abort(mctx, backedUp, fmt.Errorf("migrate: %w", err))
	}
	mctx.setPhase(StateVerify, 80)

	// Verify.
	if err := phaseErr(ctx); err != nil {
		return e.abort(mctx, backedUp, fmt.Errorf("verify: %w", err))
	}
	if mctx.Flags.Verify {
		v, err := e.store.ValidateModule(mctx.Module)
		if err != nil {
			return e.abort(mctx, backedUp, fmt.Errorf("verify: %w", err))
		}
		if !v.Passed {
			err := fmt.Errorf("verify: %d corrupted agents after migration: %w",
				v.CorruptedAgents, hotswaperr.ErrCorruptionDetected)
			return e.abort(mctx, backedUp, err)
		}
	}

	mctx.complete()
	e.logger.Printf("migration %s: module=%s complete", mctx.ID, mctx.Module)
	return nil
}

// runSteps applies the chain in order, retrying each step up to RetryCount
// times. State between attempts is consistent: a failed TransformRecords may
// leave partial writes, which is why the rollback path exists.
func (e *Engine) runSteps(ctx context.Context, mctx *Context, steps []step) error {
	for _, st := range steps {
		if err := phaseErr(ctx); err != nil {
			return fmt.Errorf("migrate %s→%s: %w", st.from, st.to, err)
		}
		var err error
		for attempt := 0; attempt <= mctx.RetryCount; attempt++ {
			err = e.store.TransformRecords(mctx.Module, st.fn)
			if err == nil {
				break
			}
			e.logger.Printf("migration %s: step %s→%s attempt %d: %v",
				mctx.ID, st.from, st.to, attempt+1, err)
		}
		if err != nil {
			return fmt.Errorf("migrate %s→%s: %w (%w)",
				st.from, st.to, err, hotswaperr.ErrMigrationFailed)
		}
	}
	return nil
}

// abort records the failure and, when requested, rolls state back to the
// checkpoint taken in the backup phase. The rollback outcome distinguishes a
// missing module from a missing backup; either leaves the failure in place
// with the rollback error attached.
func (e *Engine) abort(mctx *Context, backedUp bool, cause error) error {
	e.logger.Printf("migration %s: module=%s failed: %v", mctx.ID, mctx.Module, cause)
	if !mctx.Flags.RollbackOnFail {
		mctx.fail(cause, false)
		return cause
	}
	if err := e.rollback(mctx.Module, backedUp); err != nil {
		err = fmt.Errorf("%w; rollback: %w", cause, err)
		mctx.fail(err, false)
		return err
	}
	mctx.fail(cause, true)
	return cause
}

func (e *Engine) rollback(module string, backedUp bool) error {
	if !backedUp || !e.store.HasCheckpoint(module) {
		if _, err := e.store.ModuleVersion(module); err != nil {
			return fmt.Errorf("module %q gone: %w", module, hotswaperr.ErrNotFound)
		}
		return fmt.Errorf("module %q has no backup: %w", module, hotswaperr.ErrMigrationFailed)
	}
	if err := e.store.RestoreCheckpoint(module); err != nil {
		return err
	}
	return e.store.ReleaseCheckpoint(module)
}

// phaseErr maps context termination onto the migration error taxonomy.
func phaseErr(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("deadline exceeded: %w", hotswaperr.ErrTimeout)
	default:
		return fmt.Errorf("cancelled: %w", hotswaperr.ErrMigrationFailed)
	}
}
