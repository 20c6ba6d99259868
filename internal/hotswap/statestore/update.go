package statestore

import (
	"encoding/binary"
	"fmt"
	"time"

	"simswap.dev/internal/hotswap/hotswaperr"
)

// BeginIncrementalUpdate opens a batched write window for name. Writes are
// accepted outside a window too; the window only controls when checksums are
// recomputed.
func (s *Store) BeginIncrementalUpdate(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incremental = true
	return nil
}

// UpdateAgent writes one agent record. The write is skipped entirely when the
// record is unchanged; a changed record marks only its chunk dirty, so the
// cost of a tick is proportional to agents actually touched. A bad module,
// id, or record size fails before any byte is written.
func (s *Store) UpdateAgent(name string, id int, record []byte) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= m.count {
		return fmt.Errorf("update agent %q/%d: %w", name, id, hotswaperr.ErrInvalidArgument)
	}
	if len(record) != m.recordSize {
		return fmt.Errorf("update agent %q/%d: record size %d, want %d: %w",
			name, id, len(record), m.recordSize, hotswaperr.ErrInvalidArgument)
	}
	c := m.chunkFor(id)
	if err := c.ensureRaw(); err != nil {
		return fmt.Errorf("update agent %q/%d: %w", name, id, err)
	}
	off := (id - c.start) * m.recordSize
	dst := c.data[off : off+m.recordSize]
	if bytesEqualWords(dst, record) {
		return nil
	}
	copy(dst, record)
	c.dirty = true
	c.updatedAt = time.Now()
	return nil
}

// CommitIncrementalUpdate closes the write window and recomputes checksums
// for every dirty chunk.
func (s *Store) CommitIncrementalUpdate(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if c.dirty && !c.compressed {
			c.rechecksum()
		}
	}
	m.incremental = false
	return nil
}

// bytesEqualWords compares two equal-length slices eight bytes at a time with
// a scalar tail. The contract is the bounded comparison, not an instruction
// sequence; the compiler vectorizes the word loop on most targets.
func bytesEqualWords(a, b []byte) bool {
	n := len(a)
	i := 0
	for ; i+8 <= n; i += 8 {
		if binary.LittleEndian.Uint64(a[i:]) != binary.LittleEndian.Uint64(b[i:]) {
			return false
		}
	}
	for ; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
