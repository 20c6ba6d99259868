package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"simswap.dev/internal/hotswap"
	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/migration"
	"simswap.dev/internal/hotswap/registry"
	"simswap.dev/internal/hotswap/statestore"
	"simswap.dev/internal/hotswap/version"
)

// moduleSpec is one loadable code entry: the record layout plus a hook
// factory. Go cannot unload shared objects, so "code" here is a versioned
// entry in the builtin catalog addressed as builtin:<name>@<version>.
type moduleSpec struct {
	Name         string
	Version      version.Version
	Caps         registry.Capability
	RecordSize   int
	Initial      int
	Max          int
	TouchPerTick int
}

func builtinPath(name string, v version.Version) string {
	return "builtin:" + name + "@" + v.String()
}

// The migration step table is shared across modules and keyed by the
// from-version alone, so each module keeps its own disjoint version line.
var builtinCatalog = map[string]moduleSpec{}

var aiV4 = version.New(4, 0, 0, 0, version.Breaking)

func catalogAdd(s moduleSpec) {
	builtinCatalog[builtinPath(s.Name, s.Version)] = s
}

func init() {
	for _, v := range []string{"1.0.0", "1.1.0"} {
		catalogAdd(moduleSpec{
			Name:       "physics",
			Version:    version.MustParse(v),
			Caps:       registry.CapSimulation | registry.CapThreading | registry.CapHotSwappable,
			RecordSize: 64, Initial: 5000, Max: 1_000_000, TouchPerTick: 512,
		})
	}
	for _, v := range []string{"2.0.0", "2.0.1", "2.1.0"} {
		catalogAdd(moduleSpec{
			Name:       "graphics",
			Version:    version.MustParse(v),
			Caps:       registry.CapGraphics | registry.CapHotSwappable,
			RecordSize: 32, Initial: 5000, Max: 1_000_000, TouchPerTick: 256,
		})
	}
	catalogAdd(moduleSpec{
		Name:       "ai",
		Version:    version.MustParse("3.1.0"),
		Caps:       registry.CapAI | registry.CapMemoryHeavy | registry.CapHotSwappable,
		RecordSize: 48, Initial: 2000, Max: 500_000, TouchPerTick: 128,
	})
	catalogAdd(moduleSpec{
		Name:       "ai",
		Version:    aiV4,
		Caps:       registry.CapAI | registry.CapMemoryHeavy | registry.CapHotSwappable,
		RecordSize: 48, Initial: 2000, Max: 500_000, TouchPerTick: 128,
	})
}

// registerBuiltinSteps wires the record transforms that bridge the catalog
// versions. A version pair without a step here cannot be migrated.
func registerBuiltinSteps(eng *migration.Engine, logger *log.Logger) {
	// physics 1.1.0 repurposes the trailing reserved bytes of the record;
	// stale contents from 1.0.0 must not leak through.
	addStep(eng, logger, version.MustParse("1.0.0"), version.MustParse("1.1.0"),
		func(agentID int, record []byte) error {
			for i := 56; i < len(record); i++ {
				record[i] = 0
			}
			return nil
		})

	// graphics gained a default render-mode byte in 2.0.1 and kept the
	// layout in 2.1.0, so the chain is two single-increment steps.
	addStep(eng, logger, version.MustParse("2.0.0"), version.MustParse("2.0.1"),
		func(agentID int, record []byte) error {
			if record[9] == 0 {
				record[9] = 1
			}
			return nil
		})
	addStep(eng, logger, version.MustParse("2.0.1"), version.MustParse("2.1.0"),
		func(agentID int, record []byte) error { return nil })

	// ai 4.0.0 swaps the goal and target slots in the record layout.
	addStep(eng, logger, version.MustParse("3.1.0"), aiV4,
		func(agentID int, record []byte) error {
			var tmp [8]byte
			copy(tmp[:], record[8:16])
			copy(record[8:16], record[16:24])
			copy(record[16:24], tmp[:])
			return nil
		})
}

func addStep(eng *migration.Engine, logger *log.Logger, from, to version.Version, fn migration.StepFunc) {
	if err := eng.RegisterStep(from, to, fn); err != nil {
		logger.Printf("register step %s->%s: %v", from, to, err)
	}
}

// simModule drives one module's agent records through the incremental
// update path. Each tick it touches a rotating window of agents and stamps
// the frame counter into the record head.
type simModule struct {
	spec  moduleSpec
	store *statestore.Store

	mu     sync.Mutex
	paused bool
	frame  uint64
}

func (m *simModule) Init() error     { return nil }
func (m *simModule) Shutdown() error { return nil }

func (m *simModule) Pause() error {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	return nil
}

func (m *simModule) Resume() error {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	return nil
}

// PreSwap has nothing to flush: every tick commits before returning, so the
// store already holds the module's full state.
func (m *simModule) PreSwap() error  { return nil }
func (m *simModule) PostSwap() error { return nil }

func (m *simModule) ValidateState() error {
	v, err := m.store.ValidateModule(m.spec.Name)
	if err != nil {
		return err
	}
	if !v.Passed {
		return fmt.Errorf("module %s: %d checksum failures: %w",
			m.spec.Name, v.ChecksumFailures, hotswaperr.ErrCorruptionDetected)
	}
	return nil
}

func (m *simModule) Update(dt time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil
	}
	m.frame++
	count, err := m.store.AgentCount(m.spec.Name)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if err := m.store.BeginIncrementalUpdate(m.spec.Name); err != nil {
		return err
	}
	n := m.spec.TouchPerTick
	if n > count {
		n = count
	}
	start := (int(m.frame) * n) % count
	rec := make([]byte, m.spec.RecordSize)
	for i := 0; i < n; i++ {
		id := (start + i) % count
		cur, err := m.store.ReadRecord(m.spec.Name, id)
		if err != nil {
			return err
		}
		copy(rec, cur)
		binary.LittleEndian.PutUint64(rec[:8], m.frame)
		if err := m.store.UpdateAgent(m.spec.Name, id, rec); err != nil {
			return err
		}
	}
	return m.store.CommitIncrementalUpdate(m.spec.Name)
}

// builtinLoader resolves builtin: paths against the catalog.
type builtinLoader struct {
	store *statestore.Store
}

func newBuiltinLoader(store *statestore.Store) *builtinLoader {
	return &builtinLoader{store: store}
}

func (l *builtinLoader) Load(path string) (hotswap.Handle, registry.Module, error) {
	spec, ok := builtinCatalog[path]
	if !ok {
		return nil, nil, fmt.Errorf("load %q: %w", path, hotswaperr.ErrNotFound)
	}
	return path, &simModule{spec: spec, store: l.store}, nil
}

func (l *builtinLoader) Unload(h hotswap.Handle) error { return nil }

// codeGate admits only catalog entries whose declared identity matches the
// swap request. Anything outside the builtin scheme is denied.
type codeGate struct{}

func (codeGate) Authorize(name string, v version.Version, path string) error {
	if !strings.HasPrefix(path, "builtin:") {
		return fmt.Errorf("path %q outside builtin catalog: %w", path, hotswaperr.ErrSecurityDenied)
	}
	spec, ok := builtinCatalog[path]
	if !ok {
		return fmt.Errorf("unknown code path %q: %w", path, hotswaperr.ErrSecurityDenied)
	}
	if spec.Name != name || !version.Equal(spec.Version, v) {
		return fmt.Errorf("code at %q is %s %s, not %s %s: %w",
			path, spec.Name, spec.Version, name, v, hotswaperr.ErrSecurityDenied)
	}
	return nil
}
