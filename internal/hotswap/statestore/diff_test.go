package statestore

import (
	"bytes"
	"errors"
	"testing"

	"simswap.dev/internal/hotswap/hotswaperr"
)

func TestGenerateDiffUnchangedIsEmpty(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 40, 100)
	if _, err := s.CreateCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	diffs, truncated, err := s.GenerateDiff("m", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if truncated || len(diffs) != 0 {
		t.Fatalf("unchanged module: diffs=%d truncated=%v", len(diffs), truncated)
	}
}

func TestGenerateDiffRequiresBaseline(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 40, 100)
	_, _, err := s.GenerateDiff("m", 10)
	if !errors.Is(err, hotswaperr.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDiffRoundTripRestoresSnapshot(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 64, 100)

	// Seed distinct state, checkpoint it, then mutate a handful of agents.
	for i := 0; i < 64; i++ {
		if err := s.UpdateAgent("m", i, fillRecord(16, byte(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CommitIncrementalUpdate("m"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	before := make(map[int][]byte)
	for _, id := range []int{0, 17, 40, 63} {
		rec, err := s.ReadRecord("m", id)
		if err != nil {
			t.Fatal(err)
		}
		before[id] = rec
		mutated := append([]byte(nil), rec...)
		mutated[0] ^= 0xAA
		mutated[15] ^= 0x55
		if err := s.UpdateAgent("m", id, mutated); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CommitIncrementalUpdate("m"); err != nil {
		t.Fatal(err)
	}

	diffs, truncated, err := s.GenerateDiff("m", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	if len(diffs) == 0 {
		t.Fatalf("expected diffs for mutated agents")
	}
	for _, d := range diffs {
		if len(d.Old) > MaxDiffBytes || len(d.New) > MaxDiffBytes {
			t.Fatalf("diff exceeds bound: %d/%d", len(d.Old), len(d.New))
		}
	}

	// Applying the old side rewinds to the snapshot byte-for-byte.
	if err := s.ApplyDiff("m", diffs, ApplyOld); err != nil {
		t.Fatal(err)
	}
	for id, want := range before {
		got, err := s.ReadRecord("m", id)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("agent %d not restored: got %x want %x", id, got, want)
		}
	}
	// And the store is diff-clean against the baseline again.
	diffs, _, err = s.GenerateDiff("m", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 0 {
		t.Fatalf("after rewind: %d residual diffs", len(diffs))
	}
}

func TestGenerateDiffTruncates(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 64, 100)
	if _, err := s.CreateCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 64; i++ {
		if err := s.UpdateAgent("m", i, fillRecord(16, byte(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	diffs, truncated, err := s.GenerateDiff("m", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !truncated {
		t.Fatalf("expected truncation with cap 5 and 64 changed agents")
	}
	if len(diffs) > 5 {
		t.Fatalf("cap exceeded: %d", len(diffs))
	}
}

func TestDiffEntriesSplitAtBound(t *testing.T) {
	s := New(Options{ChunkSize: 4096})
	if err := s.RegisterModule("m", testVersion(t), 128, 4, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	// Change all 128 bytes of one record: must split into 64-byte entries.
	if err := s.UpdateAgent("m", 2, fillRecord(128, 1)); err != nil {
		t.Fatal(err)
	}
	diffs, truncated, err := s.GenerateDiff("m", 100)
	if err != nil || truncated {
		t.Fatalf("diff: %v truncated=%v", err, truncated)
	}
	if len(diffs) < 2 {
		t.Fatalf("expected split entries, got %d", len(diffs))
	}
	for _, d := range diffs {
		if d.AgentID != 2 {
			t.Fatalf("unexpected agent %d", d.AgentID)
		}
		if len(d.New) > MaxDiffBytes {
			t.Fatalf("entry length %d over bound", len(d.New))
		}
	}
}

func TestApplyDiffRejectsBadSpans(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 10, 100)
	bad := []Diff{{AgentID: 2, Offset: 12, Old: make([]byte, 8), New: make([]byte, 8)}}
	err := s.ApplyDiff("m", bad, ApplyOld)
	if !errors.Is(err, hotswaperr.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
	bad = []Diff{{AgentID: 99, Offset: 0, Old: make([]byte, 4), New: make([]byte, 4)}}
	err = s.ApplyDiff("m", bad, ApplyOld)
	if !errors.Is(err, hotswaperr.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestBytesEqualWords(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 16, 63, 64, 65} {
		a := fillRecord(n, 7)
		b := append([]byte(nil), a...)
		if !bytesEqualWords(a, b) {
			t.Fatalf("n=%d: equal slices reported different", n)
		}
		if n > 0 {
			b[n-1] ^= 1
			if bytesEqualWords(a, b) {
				t.Fatalf("n=%d: tail difference missed", n)
			}
		}
	}
}
