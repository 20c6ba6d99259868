package statestore

import (
	"fmt"

	"simswap.dev/internal/hotswap/hotswaperr"
)

// Diff is a bounded field-level patch on one agent record: Offset is relative
// to the record start and Old/New are at most MaxDiffBytes long. A diff never
// carries a full-record copy unless the record itself fits the bound.
type Diff struct {
	AgentID int
	Offset  int
	Old     []byte
	New     []byte
}

// ApplyDirection selects which side of a diff to write back.
type ApplyDirection int

const (
	// ApplyOld rewinds records to their snapshot bytes (rollback).
	ApplyOld ApplyDirection = iota
	// ApplyNew replays records forward from a snapshot baseline.
	ApplyNew
)

// GenerateDiff scans dirty regions against the checkpoint baseline and emits
// up to maxDiffs entries. The second result reports truncation: a truncated
// diff set MUST NOT be treated as complete; the caller either re-invokes
// after applying, or falls back to checkpoint restore.
func (s *Store) GenerateDiff(name string, maxDiffs int) ([]Diff, bool, error) {
	if maxDiffs <= 0 {
		return nil, false, fmt.Errorf("generate diff %q: %w", name, hotswaperr.ErrInvalidArgument)
	}
	m, err := s.lookup(name)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return nil, false, fmt.Errorf("generate diff %q: no checkpoint baseline: %w",
			name, hotswaperr.ErrNotFound)
	}

	var diffs []Diff
	for ci, c := range m.chunks {
		if ci >= len(m.checkpoint.chunks) {
			break
		}
		base := m.checkpoint.chunks[ci]
		if !c.dirty && !c.compressed && c.checksum == m.checkpoint.checksums[ci] {
			continue
		}
		if err := c.ensureRaw(); err != nil {
			return nil, false, fmt.Errorf("generate diff %q: %w", name, err)
		}
		limit := len(c.data)
		if len(base) < limit {
			limit = len(base)
		}
		agents := limit / m.recordSize
		for a := 0; a < agents; a++ {
			off := a * m.recordSize
			cur := c.data[off : off+m.recordSize]
			old := base[off : off+m.recordSize]
			if bytesEqualWords(cur, old) {
				continue
			}
			var truncated bool
			diffs, truncated = appendRecordDiffs(diffs, c.start+a, old, cur, maxDiffs)
			if truncated {
				return diffs, true, nil
			}
		}
	}
	return diffs, false, nil
}

// appendRecordDiffs emits difference runs between old and cur, split at
// MaxDiffBytes, stopping at the cap.
func appendRecordDiffs(diffs []Diff, agentID int, old, cur []byte, maxDiffs int) ([]Diff, bool) {
	n := len(cur)
	i := 0
	for i < n {
		if old[i] == cur[i] {
			i++
			continue
		}
		j := i
		for j < n && old[j] != cur[j] && j-i < MaxDiffBytes {
			j++
		}
		d := Diff{
			AgentID: agentID,
			Offset:  i,
			Old:     append([]byte(nil), old[i:j]...),
			New:     append([]byte(nil), cur[i:j]...),
		}
		if len(diffs) >= maxDiffs {
			return diffs, true
		}
		diffs = append(diffs, d)
		i = j
	}
	return diffs, false
}

// ApplyDiff replays bounded patches onto the current state. Every entry is
// validated before any byte is written, so a bad batch leaves state intact.
// Affected chunks get fresh checksums.
func (s *Store) ApplyDiff(name string, diffs []Diff, dir ApplyDirection) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range diffs {
		if d.AgentID < 0 || d.AgentID >= m.count {
			return fmt.Errorf("apply diff %q: agent %d out of range: %w",
				name, d.AgentID, hotswaperr.ErrInvalidArgument)
		}
		payload := d.Old
		if dir == ApplyNew {
			payload = d.New
		}
		if len(payload) == 0 || len(payload) > MaxDiffBytes ||
			d.Offset < 0 || d.Offset+len(payload) > m.recordSize {
			return fmt.Errorf("apply diff %q: agent %d bad span [%d,+%d): %w",
				name, d.AgentID, d.Offset, len(payload), hotswaperr.ErrInvalidArgument)
		}
	}

	touched := make(map[*chunk]struct{})
	for _, d := range diffs {
		c := m.chunkFor(d.AgentID)
		if err := c.ensureRaw(); err != nil {
			return fmt.Errorf("apply diff %q: %w", name, err)
		}
		payload := d.Old
		if dir == ApplyNew {
			payload = d.New
		}
		off := (d.AgentID-c.start)*m.recordSize + d.Offset
		copy(c.data[off:off+len(payload)], payload)
		touched[c] = struct{}{}
	}
	for c := range touched {
		c.rechecksum()
	}
	return nil
}
