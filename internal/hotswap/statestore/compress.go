package statestore

import (
	"fmt"
	"time"
)

// CompressionStats summarizes one compression pass.
type CompressionStats struct {
	UncompressedBytes uint64
	CompressedBytes   uint64
	ChunksCompressed  int
	Duration          time.Duration
}

// Ratio returns compressed/original, or 1 when nothing was compressed.
func (cs CompressionStats) Ratio() float64 {
	if cs.UncompressedBytes == 0 {
		return 1
	}
	return float64(cs.CompressedBytes) / float64(cs.UncompressedBytes)
}

// ensureRaw decompresses a chunk in place. No-op for raw chunks.
func (c *chunk) ensureRaw() error {
	if !c.compressed {
		return nil
	}
	raw, err := zdec.DecodeAll(c.comp, nil)
	if err != nil {
		return fmt.Errorf("chunk %d: decompress: %w", c.id, err)
	}
	c.data = raw
	c.comp = nil
	c.compressed = false
	return nil
}

// compress swaps a clean raw chunk for its zstd frame. Dirty chunks are
// skipped: their checksum is stale and compressing them would bake the
// staleness in.
func (c *chunk) compress(threshold int) bool {
	if c.compressed || c.dirty || len(c.data) < threshold {
		return false
	}
	frame := zenc.EncodeAll(c.data, nil)
	if len(frame) >= len(c.data) {
		return false
	}
	c.comp = frame
	c.data = nil
	c.compressed = true
	return true
}

// CompressModule compresses every eligible chunk of name. This is a
// maintenance operation: its cost scales with chunk size, so it must never
// run inline on the per-tick path. The module lock is taken per chunk so a
// concurrent tick waits for at most one chunk operation.
func (s *Store) CompressModule(name string) (CompressionStats, error) {
	start := time.Now()
	m, err := s.lookup(name)
	if err != nil {
		return CompressionStats{}, err
	}

	var stats CompressionStats
	m.mu.Lock()
	n := len(m.chunks)
	m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.mu.Lock()
		if i >= len(m.chunks) {
			m.mu.Unlock()
			break
		}
		c := m.chunks[i]
		rawLen := len(c.data)
		if c.compress(s.opts.CompressThreshold) {
			stats.ChunksCompressed++
			stats.UncompressedBytes += uint64(rawLen)
			stats.CompressedBytes += uint64(len(c.comp))
		}
		m.mu.Unlock()
	}
	stats.Duration = time.Since(start)

	s.statsMu.Lock()
	s.stats.CompressionOps++
	s.stats.CompressionTime += stats.Duration
	if stats.UncompressedBytes > stats.CompressedBytes {
		s.stats.BytesSaved += stats.UncompressedBytes - stats.CompressedBytes
	}
	s.statsMu.Unlock()
	return stats, nil
}

// DecompressModule restores raw bytes for every chunk of name. Diffing and
// migration always operate on the raw representation; they call this (or the
// per-chunk ensureRaw path) before touching bytes.
func (s *Store) DecompressModule(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if err := c.ensureRaw(); err != nil {
			return fmt.Errorf("decompress %q: %w", name, err)
		}
	}
	return nil
}
