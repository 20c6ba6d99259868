package statestore

import (
	"bytes"
	"errors"
	"testing"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/version"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(Options{ChunkSize: 256, CompressThreshold: 64, ValidateEvery: 10})
}

func registerTest(t *testing.T, s *Store, name string, recordSize, count, max int) {
	t.Helper()
	if err := s.RegisterModule(name, version.MustParse("1.0.0"), recordSize, count, max); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func testVersion(t *testing.T) version.Version {
	t.Helper()
	return version.MustParse("1.0.0")
}

func fillRecord(size int, seed byte) []byte {
	rec := make([]byte, size)
	for i := range rec {
		rec[i] = seed + byte(i)
	}
	return rec
}

func TestRegisterModuleChunkInvariant(t *testing.T) {
	// 256-byte chunks, 16-byte records: 16 agents per chunk.
	cases := []struct {
		agents     int
		wantChunks int
	}{
		{0, 0},
		{1, 1},
		{16, 1},
		{17, 2},
		{1000, 63},
	}
	for _, c := range cases {
		name := "m"
		s2 := newTestStore(t)
		registerTest(t, s2, name, 16, c.agents, 2000)
		m, err := s2.lookup(name)
		if err != nil {
			t.Fatal(err)
		}
		if len(m.chunks) != c.wantChunks {
			t.Fatalf("agents=%d: chunks=%d, want %d", c.agents, len(m.chunks), c.wantChunks)
		}
		// Chunks must exactly partition [0, agents).
		next := 0
		for _, ch := range m.chunks {
			if ch.start != next {
				t.Fatalf("agents=%d: chunk %d starts at %d, want %d", c.agents, ch.id, ch.start, next)
			}
			next += ch.count
		}
		if next != c.agents {
			t.Fatalf("agents=%d: chunks cover %d", c.agents, next)
		}
	}
}

func TestRegisterModuleDuplicate(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 10, 100)
	err := s.RegisterModule("m", version.MustParse("1.0.0"), 16, 10, 100)
	if !errors.Is(err, hotswaperr.ErrAlreadyExists) {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestUpdateAgentErrors(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 10, 100)

	if err := s.UpdateAgent("ghost", 0, make([]byte, 16)); !errors.Is(err, hotswaperr.ErrNotFound) {
		t.Fatalf("unknown module: got %v, want ErrNotFound", err)
	}
	if err := s.UpdateAgent("m", 10, make([]byte, 16)); !errors.Is(err, hotswaperr.ErrInvalidArgument) {
		t.Fatalf("out of range id: got %v, want ErrInvalidArgument", err)
	}
	if err := s.UpdateAgent("m", 0, make([]byte, 8)); !errors.Is(err, hotswaperr.ErrInvalidArgument) {
		t.Fatalf("wrong record size: got %v, want ErrInvalidArgument", err)
	}
}

func TestUpdateAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 40, 100)

	rec := fillRecord(16, 3)
	if err := s.BeginIncrementalUpdate("m"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAgent("m", 25, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitIncrementalUpdate("m"); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadRecord("m", 25)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, rec) {
		t.Fatalf("record mismatch: got %x want %x", got, rec)
	}
	// Validation must pass after a committed write.
	v, err := s.ValidateModule("m")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Passed || v.CorruptedAgents != 0 {
		t.Fatalf("validation after commit: %+v", v)
	}
}

func TestUpdateAgentOnlyDirtiesTouchedChunk(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 64, 100) // 4 chunks of 16

	if err := s.UpdateAgent("m", 20, fillRecord(16, 9)); err != nil {
		t.Fatal(err)
	}
	m, _ := s.lookup("m")
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.chunks {
		wantDirty := i == 1
		if c.dirty != wantDirty {
			t.Fatalf("chunk %d dirty=%v, want %v", i, c.dirty, wantDirty)
		}
	}
}

func TestAddAgentsGrowth(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 10, 100)

	rec := fillRecord(16, 5)
	if err := s.UpdateAgent("m", 3, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitIncrementalUpdate("m"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddAgents("m", 30); err != nil {
		t.Fatal(err)
	}
	n, _ := s.AgentCount("m")
	if n != 40 {
		t.Fatalf("count = %d, want 40", n)
	}
	// Existing data survives growth; new agents are zero-filled.
	got, err := s.ReadRecord("m", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, rec) {
		t.Fatalf("existing record lost on growth")
	}
	zero, err := s.ReadRecord("m", 39)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(zero, make([]byte, 16)) {
		t.Fatalf("new record not zero-filled: %x", zero)
	}
}

func TestAddAgentsOverCapacity(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 90, 100)
	err := s.AddAgents("m", 11)
	if !errors.Is(err, hotswaperr.ErrResourceExhausted) {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
}

func TestStatsCountsAgents(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "a", 16, 10, 100)
	registerTest(t, s, "b", 32, 5, 100)
	st := s.Stats()
	if st.Modules != 2 || st.TotalAgents != 15 {
		t.Fatalf("stats = %+v", st)
	}
}
