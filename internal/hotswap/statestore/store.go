// Package statestore owns per-module chunked agent-state arrays. It provides
// incremental updates on the tick path, dirty-region diffing, checksum
// validation, zstd compression, and checkpoint/restore for rollback.
//
// The store exclusively owns chunk memory. The migration engine borrows state
// through callbacks and checkpoints; it never frees chunks directly.
package statestore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/version"
)

const (
	// DefaultChunkSize is the target chunk payload in bytes.
	DefaultChunkSize = 4096
	// DefaultCompressThreshold is the minimum chunk payload eligible for
	// compression during maintenance.
	DefaultCompressThreshold = 1024
	// MaxDiffBytes bounds a single diff entry.
	MaxDiffBytes = 64
	// DefaultValidateEvery is the validation cadence in frames.
	DefaultValidateEvery = 300
)

type Options struct {
	ChunkSize         int
	CompressThreshold int
	ValidateEvery     int
}

func (o *Options) normalize() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.ValidateEvery <= 0 {
		o.ValidateEvery = DefaultValidateEvery
	}
}

// Stats is a point-in-time summary of store memory and maintenance activity.
type Stats struct {
	Modules          int
	TotalAgents      int
	TotalBytes       uint64
	CompressedBytes  uint64
	CompressedChunks int
	DirtyChunks      int

	CompressionOps   uint64
	CompressionTime  time.Duration
	BytesSaved       uint64
	ValidationsRun   uint64
	CorruptionEvents uint64
}

// Shared chunk codecs. EncodeAll/DecodeAll on these are safe for concurrent
// use; per-file stream writers are created separately in the checkpoint codec.
var (
	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// Store manages the chunk tables of every registered module.
type Store struct {
	opts Options

	mu      sync.RWMutex
	modules map[string]*moduleState

	statsMu sync.Mutex
	stats   Stats

	frame atomic.Uint32
}

func New(opts Options) *Store {
	opts.normalize()
	return &Store{
		opts:    opts,
		modules: make(map[string]*moduleState),
	}
}

// RegisterModule allocates a chunk table for name. Record size is fixed for
// the lifetime of the registration.
func (s *Store) RegisterModule(name string, v version.Version, recordSize, initialCount, maxCount int) error {
	if name == "" || recordSize <= 0 || initialCount < 0 || maxCount < initialCount {
		return fmt.Errorf("register module %q: %w", name, hotswaperr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[name]; ok {
		return fmt.Errorf("register module %q: %w", name, hotswaperr.ErrAlreadyExists)
	}
	capacity := s.opts.ChunkSize / recordSize
	if capacity == 0 {
		capacity = 1
	}
	m := &moduleState{
		name:       name,
		version:    v,
		recordSize: recordSize,
		capacity:   capacity,
		maxCount:   maxCount,
	}
	if err := m.grow(initialCount); err != nil {
		return fmt.Errorf("register module %q: %w", name, err)
	}
	m.rechecksumAll()
	s.modules[name] = m
	return nil
}

// UnregisterModule drops name and frees its chunks.
func (s *Store) UnregisterModule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[name]; !ok {
		return fmt.Errorf("unregister module %q: %w", name, hotswaperr.ErrNotFound)
	}
	delete(s.modules, name)
	return nil
}

// ModuleVersion reports the version tag of name's state.
func (s *Store) ModuleVersion(name string) (version.Version, error) {
	m, err := s.lookup(name)
	if err != nil {
		return version.Version{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, nil
}

// SetModuleVersion retags name's state; called by the migration engine after
// a successful transform chain.
func (s *Store) SetModuleVersion(name string, v version.Version) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = v
	return nil
}

// AgentCount reports the current logical population of name.
func (s *Store) AgentCount(name string) (int, error) {
	m, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count, nil
}

// RecordSize reports the fixed per-agent record size of name.
func (s *Store) RecordSize(name string) (int, error) {
	m, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	return m.recordSize, nil
}

// AddAgents grows the logical population by n zero-filled records. Previously
// committed chunks are not rewritten; only trailing chunks change.
func (s *Store) AddAgents(name string, n int) error {
	if n < 0 {
		return fmt.Errorf("add agents %q: %w", name, hotswaperr.ErrInvalidArgument)
	}
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count+n > m.maxCount {
		return fmt.Errorf("add agents %q: %d over capacity %d: %w",
			name, m.count+n, m.maxCount, hotswaperr.ErrResourceExhausted)
	}
	first := len(m.chunks)
	if m.count > 0 {
		first = (m.count - 1) / m.capacity
	}
	if err := m.grow(m.count + n); err != nil {
		return fmt.Errorf("add agents %q: %w", name, err)
	}
	for i := first; i < len(m.chunks); i++ {
		m.chunks[i].rechecksum()
	}
	return nil
}

// Stats returns a copy of the store-wide counters plus current memory totals.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	st.Modules = len(s.modules)
	for _, m := range s.modules {
		m.mu.Lock()
		st.TotalAgents += m.count
		for _, c := range m.chunks {
			if c.compressed {
				st.CompressedBytes += uint64(len(c.comp))
				st.CompressedChunks++
			} else {
				st.TotalBytes += uint64(len(c.data))
			}
			if c.dirty {
				st.DirtyChunks++
			}
		}
		m.mu.Unlock()
	}
	return st
}

func (s *Store) lookup(name string) (*moduleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[name]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", name, hotswaperr.ErrNotFound)
	}
	return m, nil
}
