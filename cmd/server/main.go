package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"simswap.dev/internal/config"
	"simswap.dev/internal/hotswap"
	"simswap.dev/internal/hotswap/migration"
	"simswap.dev/internal/hotswap/registry"
	"simswap.dev/internal/hotswap/statestore"
	"simswap.dev/internal/hotswap/version"
	"simswap.dev/internal/metrics"
	"simswap.dev/internal/persistence/indexdb"
	persistlog "simswap.dev/internal/persistence/log"
	"simswap.dev/internal/protocol"
	"simswap.dev/internal/transport/ws"
)

func main() {
	var (
		configPath  = flag.String("config", "", "config yaml path (empty = built-in defaults)")
		dataDir     = flag.String("data", "", "override runtime data directory")
		listenAddr  = flag.String("listen", "", "override status/ws listen address")
		metricsAddr = flag.String("metrics", "", "override metrics listen address")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("data dir %s: %v", cfg.DataDir, err)
	}

	idx, err := indexdb.OpenSQLite(cfg.IndexDBPath)
	if err != nil {
		logger.Fatalf("open index db: %v", err)
	}
	defer idx.Close()

	swapLog := persistlog.NewSwapLogger(cfg.DataDir)
	defer swapLog.Close()
	integrityLog := persistlog.NewIntegrityLogger(cfg.DataDir)
	defer integrityLog.Close()

	store := statestore.New(statestore.Options{
		ChunkSize:         cfg.ChunkSize,
		CompressThreshold: cfg.CompressThreshold,
		ValidateEvery:     cfg.ValidateEvery,
	})
	reg := registry.New()
	engine := migration.NewEngine(store, nil)
	registerBuiltinSteps(engine, logger)

	h := &host{
		cfg:       cfg,
		log:       logger,
		reg:       reg,
		store:     store,
		engine:    engine,
		idx:       idx,
		integrity: integrityLog,
		swapCh:    make(chan hotswap.SwapRequest, 64),
		ckptCh:    make(chan *statestore.Checkpoint, 8),
		started:   time.Now(),
	}
	h.ws = ws.NewServer(h.moduleTable, logger)

	loader := newBuiltinLoader(store)
	h.orch = hotswap.New(reg, store, engine, loader, codeGate{}, hotswap.Options{
		PhaseBudget: cfg.SwapPhaseBudget(),
		Logger:      logger,
		Sink:        &auditSink{swaps: swapLog, idx: idx, ws: h.ws},
	})

	if err := h.bootModules(loader); err != nil {
		logger.Fatalf("boot modules: %v", err)
	}
	metrics.RegistrySize.Set(float64(reg.Len()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.checkpointWriter(ctx)
	}()
	go func() {
		defer wg.Done()
		h.run(ctx)
	}()

	msrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = msrv.Shutdown(ctx2)
	}()
	go func() {
		logger.Printf("metrics on %s", cfg.MetricsAddr)
		if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/v1/ws", h.ws.Handler())
	mux.HandleFunc("/v1/status", h.handleStatus)
	mux.HandleFunc("/v1/swap", h.handleSwap)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	wg.Wait()
	logger.Printf("shutdown complete")
}

// host owns the simulation loop and everything the loop touches.
type host struct {
	cfg       config.Config
	log       *log.Logger
	reg       *registry.Registry
	store     *statestore.Store
	engine    *migration.Engine
	orch      *hotswap.Orchestrator
	ws        *ws.Server
	idx       *indexdb.SQLiteIndex
	integrity *persistlog.IntegrityLogger

	swapCh  chan hotswap.SwapRequest
	ckptCh  chan *statestore.Checkpoint
	frame   atomic.Uint32
	started time.Time
}

// bootModules loads manifests (or the builtin defaults when the manifest
// dir is empty), walks each module to Active, and registers its agent state.
func (h *host) bootModules(loader *builtinLoader) error {
	descs := h.loadManifests()
	if len(descs) == 0 {
		descs = defaultDescriptors()
		h.log.Printf("no manifests under %s, using builtin defaults", h.cfg.ManifestDir)
	}
	for _, d := range descs {
		if d.Path == "" {
			d.Path = builtinPath(d.Name, d.Version)
		}
		spec, ok := builtinCatalog[d.Path]
		if !ok {
			h.log.Printf("module %s: no code at %q, skipping", d.Name, d.Path)
			continue
		}
		handle, mod, err := loader.Load(d.Path)
		if err != nil {
			return fmt.Errorf("module %s: %w", d.Name, err)
		}
		d.Hooks = mod
		if err := h.reg.Register(d); err != nil {
			return err
		}
		for _, st := range []registry.State{registry.Loading, registry.Loaded, registry.Initializing} {
			if err := h.reg.SetState(d.Name, st); err != nil {
				return err
			}
		}
		if err := mod.Init(); err != nil {
			return fmt.Errorf("module %s: init: %w", d.Name, err)
		}
		if err := h.store.RegisterModule(d.Name, d.Version, spec.RecordSize, spec.Initial, spec.Max); err != nil {
			return fmt.Errorf("module %s: state: %w", d.Name, err)
		}
		if err := h.reg.SetState(d.Name, registry.Active); err != nil {
			return err
		}
		h.orch.Bind(d.Name, handle)
		h.log.Printf("module %s %s active (%d agents x %dB)",
			d.Name, d.Version, spec.Initial, spec.RecordSize)
	}
	return h.verifyDependencies()
}

func (h *host) loadManifests() []*registry.Descriptor {
	ents, err := os.ReadDir(h.cfg.ManifestDir)
	if err != nil {
		return nil
	}
	var descs []*registry.Descriptor
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(h.cfg.ManifestDir, e.Name())
		d, err := registry.LoadManifest(path)
		if err != nil {
			h.log.Printf("manifest %s: %v", path, err)
			continue
		}
		descs = append(descs, d)
	}
	return descs
}

func (h *host) verifyDependencies() error {
	for _, d := range h.reg.List() {
		if _, err := h.reg.ResolveDependencies(d.Name); err != nil {
			return fmt.Errorf("module %s: %w", d.Name, err)
		}
		if err := h.reg.CheckCompatibility(d.Name); err != nil {
			return fmt.Errorf("module %s: %w", d.Name, err)
		}
	}
	return nil
}

// defaultDescriptors registers the base version of every catalog module.
func defaultDescriptors() []*registry.Descriptor {
	base := map[string]moduleSpec{}
	for _, spec := range builtinCatalog {
		cur, ok := base[spec.Name]
		if !ok || version.Compare(spec.Version, cur.Version) < 0 {
			base[spec.Name] = spec
		}
	}
	var descs []*registry.Descriptor
	for _, name := range []string{"physics", "graphics", "ai"} {
		spec, ok := base[name]
		if !ok {
			continue
		}
		descs = append(descs, &registry.Descriptor{
			Name:         spec.Name,
			Version:      spec.Version,
			Path:         builtinPath(spec.Name, spec.Version),
			Capabilities: spec.Caps,
		})
	}
	return descs
}

// run is the simulation loop: ticks drive module updates, swap requests are
// executed between ticks, and maintenance runs on its own cadence.
func (h *host) run(ctx context.Context) {
	tick := time.NewTicker(h.cfg.TickInterval())
	defer tick.Stop()
	maint := time.NewTicker(h.cfg.MaintenanceInterval())
	defer maint.Stop()
	status := time.NewTicker(time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdownModules()
			return
		case <-tick.C:
			h.tick(ctx)
		case <-maint.C:
			h.maintenance()
		case <-status.C:
			h.publishStatus()
		}
	}
}

func (h *host) tick(ctx context.Context) {
	frame := h.frame.Add(1)
	h.store.ScheduleValidation(frame)
	dt := h.cfg.TickInterval()
	for _, d := range h.reg.List() {
		if d.State != registry.Active || d.Hooks == nil {
			continue
		}
		upStart := time.Now()
		if err := d.Hooks.Update(dt); err != nil {
			h.log.Printf("module %s: update: %v", d.Name, err)
			continue
		}
		if err := h.reg.RecordUpdate(d.Name, time.Since(upStart)); err != nil {
			h.log.Printf("module %s: record update: %v", d.Name, err)
		}
	}

	// Swaps run between ticks so module updates never observe a
	// half-rebound module.
	for {
		select {
		case req := <-h.swapCh:
			h.doSwap(ctx, req)
		default:
			return
		}
	}
}

func (h *host) doSwap(ctx context.Context, req hotswap.SwapRequest) {
	err := h.orch.Swap(ctx, req)
	switch {
	case err == nil:
		// Fresh post-swap checkpoint: it becomes the new rollback and
		// diff baseline, and the writer persists it to disk.
		cp, cperr := h.store.CreateCheckpoint(req.Module)
		if cperr != nil {
			h.log.Printf("swap %s: post-swap checkpoint: %v", req.Module, cperr)
			return
		}
		select {
		case h.ckptCh <- cp:
		default:
			h.log.Printf("swap %s: checkpoint writer busy, not persisted", req.Module)
		}
	case errors.Is(err, hotswap.ErrDeferred):
		select {
		case h.swapCh <- req:
			h.log.Printf("swap %s: deferred, requeued", req.Module)
		default:
			h.log.Printf("swap %s: deferred and queue full, dropped", req.Module)
		}
	default:
		h.log.Printf("swap %s: %v", req.Module, err)
	}
}

func (h *host) maintenance() {
	rep := h.store.Maintenance(h.cfg.MaintenanceBudgetDuration())
	frame := h.frame.Load()
	now := time.Now()
	for _, v := range rep.Validations {
		result := "pass"
		if !v.Passed {
			result = "fail"
			h.log.Printf("validation %s: %d corrupted agents, %d checksum failures",
				v.Module, v.CorruptedAgents, v.ChecksumFailures)
		}
		metrics.ValidationsTotal.WithLabelValues(result).Inc()
		rec := indexdb.ValidationRecord{
			Module:     v.Module,
			Frame:      frame,
			Agents:     v.TotalAgents,
			Corrupted:  v.CorruptedAgents,
			Failures:   v.ChecksumFailures,
			Passed:     v.Passed,
			DurationNS: v.Duration.Nanoseconds(),
			At:         now,
		}
		h.idx.RecordValidation(rec)
		_ = h.integrity.Write(rec)
	}
	if !rep.BudgetWasMet {
		h.log.Printf("maintenance over budget (%v), %d modules deferred",
			rep.BudgetSpent, rep.Deferred)
	}
}

func (h *host) publishStatus() {
	st := h.store.Stats()
	metrics.StateBytes.WithLabelValues("raw").Set(float64(st.TotalBytes))
	metrics.StateBytes.WithLabelValues("compressed").Set(float64(st.CompressedBytes))
	metrics.RegistrySize.Set(float64(h.reg.Len()))
	metrics.Uptime.Set(time.Since(h.started).Seconds())

	modules := h.moduleTable()
	for _, m := range modules {
		metrics.AgentsTotal.WithLabelValues(m.Name).Set(float64(m.Agents))
	}
	if h.ws.Subscribers() == 0 {
		return
	}
	h.ws.Broadcast(protocol.StatusMsg{
		Type:       protocol.TypeStatus,
		Frame:      h.frame.Load(),
		Modules:    modules,
		Migrations: h.migrationTable(),
	})
}

// moduleTable is served to HTTP and websocket clients off the tick goroutine,
// so it reads descriptor copies rather than the registry's shared pointers.
func (h *host) moduleTable() []protocol.ModuleStatus {
	descs := h.reg.Snapshot()
	out := make([]protocol.ModuleStatus, 0, len(descs))
	for _, d := range descs {
		agents, _ := h.store.AgentCount(d.Name)
		out = append(out, protocol.ModuleStatus{
			Name:    d.Name,
			Version: d.Version.String(),
			State:   d.State.String(),
			Agents:  agents,
		})
	}
	return out
}

func (h *host) migrationTable() []protocol.MigrationStatus {
	var out []protocol.MigrationStatus
	for _, d := range h.reg.Snapshot() {
		snap, ok := h.engine.Status(d.Name)
		if !ok {
			continue
		}
		out = append(out, protocol.MigrationStatus{
			ID:       snap.ID.String(),
			Module:   snap.Module,
			From:     snap.From.String(),
			To:       snap.To.String(),
			Strategy: snap.Strategy.String(),
			State:    snap.State.String(),
			Progress: snap.Progress,
			Err:      snap.Err,
		})
	}
	return out
}

// checkpointWriter persists checkpoints off the loop goroutine.
func (h *host) checkpointWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cp := <-h.ckptCh:
			path := filepath.Join(h.cfg.DataDir, "checkpoints", cp.Module, cp.ID+".ckpt.zst")
			if err := statestore.WriteCheckpointFile(path, cp); err != nil {
				h.log.Printf("checkpoint %s: %v", cp.Module, err)
				continue
			}
			metrics.CheckpointsTotal.WithLabelValues("persist").Inc()
			h.idx.RecordCheckpoint(indexdb.CheckpointRecord{
				ID:      cp.ID,
				Module:  cp.Module,
				Version: cp.Version.String(),
				Path:    path,
				Agents:  cp.AgentCount(),
				Chunks:  cp.ChunkCount(),
				Bytes:   int64(cp.Size()),
				At:      cp.CreatedAt,
			})
			h.log.Printf("checkpoint %s %s persisted (%d agents, %d chunks)",
				cp.Module, cp.ID, cp.AgentCount(), cp.ChunkCount())
		}
	}
}

func (h *host) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.StatusMsg{
		Type:       protocol.TypeStatus,
		Frame:      h.frame.Load(),
		Modules:    h.moduleTable(),
		Migrations: h.migrationTable(),
	})
}

func (h *host) handleSwap(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Module     string `json:"module"`
		Path       string `json:"path"`
		To         string `json:"to"`
		AllowForce bool   `json:"allow_force"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Module == "" || body.Path == "" {
		http.Error(w, "module and path required", http.StatusBadRequest)
		return
	}
	to, err := version.Parse(body.To)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flags := migration.DefaultFlags()
	flags.AllowForce = body.AllowForce
	select {
	case h.swapCh <- hotswap.SwapRequest{Module: body.Module, Path: body.Path, To: to, Flags: flags}:
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued\n"))
	default:
		http.Error(w, "swap queue full", http.StatusServiceUnavailable)
	}
}

func (h *host) shutdownModules() {
	for _, d := range h.reg.List() {
		if d.Hooks == nil {
			continue
		}
		if d.State == registry.Active {
			_ = h.reg.SetState(d.Name, registry.Stopping)
		}
		if err := d.Hooks.Shutdown(); err != nil {
			h.log.Printf("module %s: shutdown: %v", d.Name, err)
		}
	}
}

// auditSink fans swap outcomes out to the JSONL log, the sqlite index, and
// connected status subscribers. None of the writes block the swap path.
type auditSink struct {
	swaps *persistlog.SwapLogger
	idx   *indexdb.SQLiteIndex
	ws    *ws.Server
}

func (s *auditSink) RecordSwap(ev hotswap.SwapEvent) {
	_ = s.swaps.Write(ev)
	s.idx.RecordSwap(indexdb.SwapRecord{
		Module:     ev.Module,
		FromVer:    ev.From.String(),
		ToVer:      ev.To.String(),
		Path:       ev.Path,
		Outcome:    ev.Outcome,
		Err:        ev.Err,
		RolledBack: ev.RolledBack,
		DurationNS: int64(ev.Duration),
		At:         ev.At,
	})
	s.ws.Broadcast(protocol.SwapEventMsg{
		Type:       protocol.TypeSwapEvent,
		Module:     ev.Module,
		From:       ev.From.String(),
		To:         ev.To.String(),
		Outcome:    ev.Outcome,
		Err:        ev.Err,
		RolledBack: ev.RolledBack,
		At:         ev.At,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
