package statestore

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/version"
)

// Checkpoint is a full snapshot of a module's chunks plus its version. It is
// the single canonical backup mechanism: migration backup, rollback source,
// and diff baseline are all the same object, created before a migration's
// transform phase and released once the migration is confirmed successful.
type Checkpoint struct {
	ID        string
	Module    string
	Version   version.Version
	CreatedAt time.Time

	recordSize int
	count      int
	chunks     [][]byte
	checksums  [][32]byte
}

// AgentCount reports the population captured by the checkpoint.
func (cp *Checkpoint) AgentCount() int { return cp.count }

// ChunkCount reports the number of chunks captured.
func (cp *Checkpoint) ChunkCount() int { return len(cp.chunks) }

// Size reports the total captured payload in bytes.
func (cp *Checkpoint) Size() int {
	total := 0
	for _, b := range cp.chunks {
		total += len(b)
	}
	return total
}

// CreateCheckpoint snapshots name's chunks and retains the snapshot on the
// module as its rollback source and diff baseline. A subsequent call
// replaces the previous checkpoint.
func (s *Store) CreateCheckpoint(name string) (*Checkpoint, error) {
	m, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := &Checkpoint{
		ID:         uuid.NewString(),
		Module:     name,
		Version:    m.version,
		CreatedAt:  time.Now(),
		recordSize: m.recordSize,
		count:      m.count,
		chunks:     make([][]byte, len(m.chunks)),
		checksums:  make([][32]byte, len(m.chunks)),
	}
	for i, c := range m.chunks {
		if err := c.ensureRaw(); err != nil {
			return nil, fmt.Errorf("checkpoint %q: %w", name, err)
		}
		if c.dirty {
			c.rechecksum()
		}
		cp.chunks[i] = append([]byte(nil), c.data...)
		cp.checksums[i] = c.checksum
	}
	m.checkpoint = cp
	return cp, nil
}

// RestoreCheckpoint rewinds name's state and version to its retained
// checkpoint. The checkpoint stays retained afterwards; release is explicit.
func (s *Store) RestoreCheckpoint(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return fmt.Errorf("restore %q: no checkpoint: %w", name, hotswaperr.ErrNotFound)
	}
	return m.restoreLocked(m.checkpoint)
}

// RestoreFrom rewinds name's state from an externally held checkpoint, such
// as one read back from disk. The checkpoint must describe the same record
// size.
func (s *Store) RestoreFrom(name string, cp *Checkpoint) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp == nil {
		return fmt.Errorf("restore %q: nil checkpoint: %w", name, hotswaperr.ErrInvalidArgument)
	}
	return m.restoreLocked(cp)
}

func (m *moduleState) restoreLocked(cp *Checkpoint) error {
	if cp.recordSize != m.recordSize {
		return fmt.Errorf("restore %q: record size %d, want %d: %w",
			m.name, cp.recordSize, m.recordSize, hotswaperr.ErrInvalidArgument)
	}
	if cp.count > m.maxCount {
		return fmt.Errorf("restore %q: %d agents over capacity %d: %w",
			m.name, cp.count, m.maxCount, hotswaperr.ErrResourceExhausted)
	}
	want := chunkCountFor(cp.count, m.capacity)
	for i := len(m.chunks); i < want; i++ {
		m.chunks = append(m.chunks, &chunk{id: uint32(i), start: i * m.capacity})
	}
	m.chunks = m.chunks[:want]
	m.count = cp.count
	for i, c := range m.chunks {
		c.compressed = false
		c.comp = nil
		c.data = append(c.data[:0], cp.chunks[i]...)
		c.count = len(cp.chunks[i]) / m.recordSize
		c.rechecksum()
	}
	m.version = cp.Version
	return nil
}

// ReleaseCheckpoint drops the retained checkpoint, freeing the backup on
// every exit path of a migration alike.
func (s *Store) ReleaseCheckpoint(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = nil
	return nil
}

// HasCheckpoint reports whether name retains a checkpoint.
func (s *Store) HasCheckpoint(name string) bool {
	m, err := s.lookup(name)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint != nil
}
