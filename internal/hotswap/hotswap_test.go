package hotswap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/migration"
	"simswap.dev/internal/hotswap/registry"
	"simswap.dev/internal/hotswap/statestore"
	"simswap.dev/internal/hotswap/version"
)

// fakeModule counts lifecycle hook calls and can fail selected hooks.
type fakeModule struct {
	pauses, resumes, preSwaps, postSwaps int
	failPause                            bool
}

func (f *fakeModule) Init() error                { return nil }
func (f *fakeModule) Update(time.Duration) error { return nil }
func (f *fakeModule) Pause() error {
	f.pauses++
	if f.failPause {
		return errors.New("pause refused")
	}
	return nil
}
func (f *fakeModule) Resume() error        { f.resumes++; return nil }
func (f *fakeModule) Shutdown() error      { return nil }
func (f *fakeModule) PreSwap() error       { f.preSwaps++; return nil }
func (f *fakeModule) PostSwap() error      { f.postSwaps++; return nil }
func (f *fakeModule) ValidateState() error { return nil }

// fakeLoader serves canned modules by path and tracks unloads.
type fakeLoader struct {
	modules  map[string]registry.Module
	failPath string
	loads    int
	unloads  []string
}

func (l *fakeLoader) Load(path string) (Handle, registry.Module, error) {
	if path == l.failPath {
		return nil, nil, fmt.Errorf("dlopen %s: no such object", path)
	}
	l.loads++
	m, ok := l.modules[path]
	if !ok {
		m = &fakeModule{}
	}
	return path, m, nil
}

func (l *fakeLoader) Unload(h Handle) error {
	l.unloads = append(l.unloads, h.(string))
	return nil
}

// denyGate refuses a single path.
type denyGate struct{ deny string }

func (g *denyGate) Authorize(name string, v version.Version, path string) error {
	if path == g.deny {
		return fmt.Errorf("signature check failed for %s", path)
	}
	return nil
}

type captureSink struct{ events []SwapEvent }

func (c *captureSink) RecordSwap(ev SwapEvent) { c.events = append(c.events, ev) }

type fixture struct {
	reg    *registry.Registry
	store  *statestore.Store
	engine *migration.Engine
	loader *fakeLoader
	sink   *captureSink
	orch   *Orchestrator
	mod    *fakeModule
}

func newFixture(t *testing.T, gate SecurityGate, budget time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		reg:    registry.New(),
		store:  statestore.New(statestore.Options{ChunkSize: 1024}),
		loader: &fakeLoader{modules: map[string]registry.Module{}},
		sink:   &captureSink{},
		mod:    &fakeModule{},
	}
	f.engine = migration.NewEngine(f.store, nil)
	f.orch = New(f.reg, f.store, f.engine, f.loader, gate, Options{
		PhaseBudget: budget,
		Sink:        f.sink,
	})

	v := version.MustParse("1.0.0")
	d := &registry.Descriptor{Name: "physics", Version: v, Hooks: f.mod}
	if err := f.reg.Register(d); err != nil {
		t.Fatal(err)
	}
	for _, st := range []registry.State{
		registry.Loading, registry.Loaded,
		registry.Initializing, registry.Active,
	} {
		if err := f.reg.SetState("physics", st); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.RegisterModule("physics", v, 32, 200, 1000); err != nil {
		t.Fatal(err)
	}
	rec := make([]byte, 32)
	for i := 0; i < 200; i++ {
		rec[0] = byte(i)
		if err := f.store.UpdateAgent("physics", i, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.CommitIncrementalUpdate("physics"); err != nil {
		t.Fatal(err)
	}
	f.orch.Bind("physics", "physics-1.0.0.so")
	return f
}

func TestSwapSuccess(t *testing.T) {
	f := newFixture(t, nil, 0)
	to := version.MustParse("1.1.0")
	if err := f.engine.RegisterStep(version.MustParse("1.0.0"), to,
		func(agentID int, record []byte) error { record[1] = 0x01; return nil }); err != nil {
		t.Fatal(err)
	}

	newMod := &fakeModule{}
	f.loader.modules["physics-1.1.0.so"] = newMod
	err := f.orch.Swap(context.Background(), SwapRequest{
		Module: "physics",
		Path:   "physics-1.1.0.so",
		To:     to,
		Flags:  migration.DefaultFlags(),
	})
	if err != nil {
		t.Fatal(err)
	}

	d, err := f.reg.Find("physics")
	if err != nil {
		t.Fatal(err)
	}
	if d.State != registry.Active {
		t.Fatalf("state = %s, want active", d.State)
	}
	if version.Compare(d.Version, to) != 0 {
		t.Fatalf("descriptor version = %s", d.Version)
	}
	if d.Hooks != registry.Module(newMod) {
		t.Fatalf("descriptor still bound to old module")
	}
	if f.mod.pauses != 1 || f.mod.preSwaps != 1 {
		t.Fatalf("old module hooks: %+v", f.mod)
	}
	if newMod.postSwaps != 1 || newMod.resumes != 1 {
		t.Fatalf("new module hooks: %+v", newMod)
	}
	if len(f.loader.unloads) != 1 || f.loader.unloads[0] != "physics-1.0.0.so" {
		t.Fatalf("unloads = %v", f.loader.unloads)
	}
	rec, err := f.store.ReadRecord("physics", 5)
	if err != nil {
		t.Fatal(err)
	}
	if rec[0] != 5 || rec[1] != 0x01 {
		t.Fatalf("migrated record = %v", rec[:2])
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Outcome != "success" {
		t.Fatalf("events = %+v", f.sink.events)
	}
}

func TestSwapSecurityDenialRestoresModule(t *testing.T) {
	f := newFixture(t, &denyGate{deny: "evil.so"}, 0)
	err := f.orch.Swap(context.Background(), SwapRequest{
		Module: "physics",
		Path:   "evil.so",
		To:     version.MustParse("1.1.0"),
		Flags:  migration.DefaultFlags(),
	})
	if !errors.Is(err, hotswaperr.ErrSecurityDenied) {
		t.Fatalf("got %v, want ErrSecurityDenied", err)
	}
	d, _ := f.reg.Find("physics")
	if d.State != registry.Active {
		t.Fatalf("state = %s after denial", d.State)
	}
	if version.Compare(d.Version, version.MustParse("1.0.0")) != 0 {
		t.Fatalf("version moved: %s", d.Version)
	}
	// The rejected code must not stay loaded.
	if len(f.loader.unloads) != 1 || f.loader.unloads[0] != "evil.so" {
		t.Fatalf("unloads = %v", f.loader.unloads)
	}
}

func TestSwapMigrationFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil, 0)
	from := version.MustParse("1.0.0")
	to := version.MustParse("1.1.0")
	f.engine.RegisterStep(from, to, func(agentID int, record []byte) error {
		if agentID == 100 {
			return errors.New("field overflow")
		}
		record[0] = 0xFF
		return nil
	})

	before, err := f.store.ReadRecord("physics", 50)
	if err != nil {
		t.Fatal(err)
	}
	err = f.orch.Swap(context.Background(), SwapRequest{
		Module: "physics", Path: "physics-1.1.0.so", To: to,
		Flags: migration.DefaultFlags(),
	})
	if !errors.Is(err, hotswaperr.ErrMigrationFailed) {
		t.Fatalf("got %v", err)
	}

	d, _ := f.reg.Find("physics")
	if d.State != registry.Active {
		t.Fatalf("state = %s, want active after recovery", d.State)
	}
	if version.Compare(d.Version, from) != 0 {
		t.Fatalf("version = %s, want %s", d.Version, from)
	}
	if d.Hooks != registry.Module(f.mod) {
		t.Fatalf("binding switched despite failed migration")
	}
	after, err := f.store.ReadRecord("physics", 50)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("state not rolled back")
	}
	// Both the failed new code and nothing else must be unloaded.
	if len(f.loader.unloads) != 1 || f.loader.unloads[0] != "physics-1.1.0.so" {
		t.Fatalf("unloads = %v", f.loader.unloads)
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("events = %+v", f.sink.events)
	}
	ev := f.sink.events[0]
	if ev.Outcome != "failed" || !ev.RolledBack {
		t.Fatalf("event = %+v", ev)
	}
}

func TestSwapLoadFailureResumesModule(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.loader.failPath = "missing.so"
	err := f.orch.Swap(context.Background(), SwapRequest{
		Module: "physics", Path: "missing.so",
		To:    version.MustParse("1.0.1"),
		Flags: migration.DefaultFlags(),
	})
	if err == nil {
		t.Fatal("load failure not surfaced")
	}
	d, _ := f.reg.Find("physics")
	if d.State != registry.Active {
		t.Fatalf("state = %s after load failure", d.State)
	}
	if f.mod.resumes != 1 {
		t.Fatalf("module not resumed: %+v", f.mod)
	}
}

func TestSwapUnknownModule(t *testing.T) {
	f := newFixture(t, nil, 0)
	err := f.orch.Swap(context.Background(), SwapRequest{
		Module: "audio", Path: "audio.so", To: version.MustParse("1.0.0"),
	})
	if !errors.Is(err, hotswaperr.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSwapOverBudgetDefers(t *testing.T) {
	f := newFixture(t, nil, time.Nanosecond)
	// Any real work exceeds a nanosecond budget, so the first check defers.
	err := f.orch.Swap(context.Background(), SwapRequest{
		Module: "physics", Path: "physics-1.1.0.so",
		To:    version.MustParse("1.1.0"),
		Flags: migration.DefaultFlags(),
	})
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("got %v, want ErrDeferred", err)
	}
	d, _ := f.reg.Find("physics")
	if d.State != registry.Active {
		t.Fatalf("state = %s after deferral", d.State)
	}
	if f.loader.loads != 0 {
		t.Fatalf("deferred swap loaded code")
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Outcome != "deferred" {
		t.Fatalf("events = %+v", f.sink.events)
	}
}

func TestSwapRejectsConcurrent(t *testing.T) {
	f := newFixture(t, nil, 0)
	from := version.MustParse("1.0.0")
	to := version.MustParse("1.1.0")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.engine.RegisterStep(from, to, func(agentID int, record []byte) error {
		if agentID == 0 {
			close(entered)
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- f.orch.Swap(context.Background(), SwapRequest{
			Module: "physics", Path: "physics-1.1.0.so", To: to,
			Flags: migration.DefaultFlags(),
		})
	}()
	<-entered
	err := f.orch.Swap(context.Background(), SwapRequest{
		Module: "physics", Path: "physics-1.1.0.so", To: to,
		Flags: migration.DefaultFlags(),
	})
	if !errors.Is(err, hotswaperr.ErrMigrationInFlight) {
		t.Fatalf("got %v, want ErrMigrationInFlight", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
