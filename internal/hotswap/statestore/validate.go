package statestore

import (
	"crypto/sha256"
	"fmt"
	"time"

	"simswap.dev/internal/hotswap/hotswaperr"
)

// Validation summarizes one integrity pass over a module.
type Validation struct {
	Module           string
	TotalAgents      int
	CorruptedAgents  int
	ChecksumFailures int
	Duration         time.Duration
	Passed           bool
}

// ValidateModule recomputes every chunk's checksum and compares it against
// the stored value. It reports per-agent corruption counts; corrupted state
// is left untouched for RepairCorruption to deal with. The lock is taken per
// chunk, like CompressModule, so tick-path writers interleave with the pass
// instead of stalling behind it.
func (s *Store) ValidateModule(name string) (Validation, error) {
	start := time.Now()
	m, err := s.lookup(name)
	if err != nil {
		return Validation{}, err
	}

	res := Validation{Module: name, Passed: true}
	m.mu.Lock()
	res.TotalAgents = m.count
	n := len(m.chunks)
	m.mu.Unlock()

	for i := 0; i < n; i++ {
		m.mu.Lock()
		if i >= len(m.chunks) {
			m.mu.Unlock()
			break
		}
		c := m.chunks[i]
		if c.dirty {
			// A writer slipped in since the stored checksum was taken;
			// the mismatch is staleness, not corruption.
			m.mu.Unlock()
			continue
		}
		var sum [32]byte
		if c.compressed {
			raw, err := zdec.DecodeAll(c.comp, nil)
			if err != nil {
				// An undecodable chunk counts as fully corrupted.
				res.CorruptedAgents += c.count
				res.ChecksumFailures++
				res.Passed = false
				m.mu.Unlock()
				continue
			}
			sum = sha256.Sum256(raw)
		} else {
			sum = sha256.Sum256(c.data)
		}
		if sum != c.checksum {
			res.CorruptedAgents += c.count
			res.ChecksumFailures++
			res.Passed = false
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.validateDue = false
	m.mu.Unlock()

	res.Duration = time.Since(start)
	s.statsMu.Lock()
	s.stats.ValidationsRun++
	if !res.Passed {
		s.stats.CorruptionEvents++
	}
	s.statsMu.Unlock()
	return res, nil
}

// RepairCorruption restores corrupted chunks from the retained checkpoint,
// keeping surviving clean chunks as they are. With no checkpoint present it
// fails rather than fabricating data; the caller must then treat the
// module's population as unrecoverable.
func (s *Store) RepairCorruption(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var corrupted []*chunk
	for _, c := range m.chunks {
		if c.compressed {
			raw, err := zdec.DecodeAll(c.comp, nil)
			if err != nil || sha256.Sum256(raw) != c.checksum {
				corrupted = append(corrupted, c)
			}
			continue
		}
		if sha256.Sum256(c.data) != c.checksum {
			corrupted = append(corrupted, c)
		}
	}
	if len(corrupted) == 0 {
		return nil
	}
	cp := m.checkpoint
	if cp == nil {
		return fmt.Errorf("repair %q: %d corrupted chunks and no checkpoint: %w",
			name, len(corrupted), hotswaperr.ErrCorruptionDetected)
	}
	for _, c := range corrupted {
		if int(c.id) >= len(cp.chunks) {
			return fmt.Errorf("repair %q: chunk %d outside checkpoint: %w",
				name, c.id, hotswaperr.ErrCorruptionDetected)
		}
		c.compressed = false
		c.comp = nil
		c.data = append(c.data[:0], cp.chunks[c.id]...)
		c.rechecksum()
	}
	return nil
}

// TransformRecords applies fn to every agent record in place. It is the
// migration engine's access path to raw state; chunks are decompressed first
// and rechecksummed after. An error from fn aborts mid-flight, so callers
// are expected to hold a checkpoint to roll back to.
func (s *Store) TransformRecords(name string, fn func(agentID int, record []byte) error) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if err := c.ensureRaw(); err != nil {
			return fmt.Errorf("transform %q: %w", name, err)
		}
		for a := 0; a < c.count; a++ {
			off := a * m.recordSize
			if err := fn(c.start+a, c.data[off:off+m.recordSize]); err != nil {
				return fmt.Errorf("transform %q: agent %d: %w", name, c.start+a, err)
			}
		}
		c.rechecksum()
	}
	return nil
}

// ReadRecord copies one agent record out of the store.
func (s *Store) ReadRecord(name string, id int) ([]byte, error) {
	m, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= m.count {
		return nil, fmt.Errorf("read agent %q/%d: %w", name, id, hotswaperr.ErrInvalidArgument)
	}
	c := m.chunkFor(id)
	if err := c.ensureRaw(); err != nil {
		return nil, fmt.Errorf("read agent %q/%d: %w", name, id, err)
	}
	off := (id - c.start) * m.recordSize
	return append([]byte(nil), c.data[off:off+m.recordSize]...), nil
}

// CorruptChunkForTest flips one byte of stored chunk data without updating
// the checksum. Test hook for corruption-detection coverage.
func (s *Store) CorruptChunkForTest(name string, chunkIndex, byteOffset int) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if chunkIndex < 0 || chunkIndex >= len(m.chunks) {
		return fmt.Errorf("corrupt %q: chunk %d: %w", name, chunkIndex, hotswaperr.ErrInvalidArgument)
	}
	c := m.chunks[chunkIndex]
	if err := c.ensureRaw(); err != nil {
		return err
	}
	if byteOffset < 0 || byteOffset >= len(c.data) {
		return fmt.Errorf("corrupt %q: offset %d: %w", name, byteOffset, hotswaperr.ErrInvalidArgument)
	}
	c.data[byteOffset] ^= 0xFF
	return nil
}
