package statestore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/version"
)

func moduleBytes(t *testing.T, s *Store, name string) []byte {
	t.Helper()
	n, err := s.AgentCount(name)
	if err != nil {
		t.Fatal(err)
	}
	var out []byte
	for i := 0; i < n; i++ {
		rec, err := s.ReadRecord(name, i)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, rec...)
	}
	return out
}

func TestCheckpointRoundTripNoWrites(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 50, 100)
	for i := 0; i < 50; i++ {
		if err := s.UpdateAgent("m", i, fillRecord(16, byte(i*3))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CommitIncrementalUpdate("m"); err != nil {
		t.Fatal(err)
	}
	before := moduleBytes(t, s, "m")
	vBefore, _ := s.ModuleVersion("m")

	if _, err := s.CreateCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	if err := s.RestoreCheckpoint("m"); err != nil {
		t.Fatal(err)
	}

	after := moduleBytes(t, s, "m")
	vAfter, _ := s.ModuleVersion("m")
	if !bytes.Equal(before, after) {
		t.Fatalf("state changed across checkpoint round trip")
	}
	if version.Compare(vBefore, vAfter) != 0 {
		t.Fatalf("version changed: %s -> %s", vBefore, vAfter)
	}
}

func TestCheckpointRestoreRewindsWrites(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 30, 100)
	if err := s.UpdateAgent("m", 7, fillRecord(16, 42)); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitIncrementalUpdate("m"); err != nil {
		t.Fatal(err)
	}
	want := moduleBytes(t, s, "m")

	if _, err := s.CreateCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		if err := s.UpdateAgent("m", i, fillRecord(16, 0xEE)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RestoreCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	if got := moduleBytes(t, s, "m"); !bytes.Equal(got, want) {
		t.Fatalf("restore did not rewind state")
	}
}

func TestCheckpointRestoreRewindsVersion(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 10, 100)
	if _, err := s.CreateCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetModuleVersion("m", version.MustParse("2.0.0")); err != nil {
		t.Fatal(err)
	}
	if err := s.RestoreCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	v, _ := s.ModuleVersion("m")
	if v.String() != "1.0.0" {
		t.Fatalf("version = %s, want 1.0.0", v)
	}
}

func TestRestoreWithoutCheckpoint(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 10, 100)
	if err := s.RestoreCheckpoint("m"); !errors.Is(err, hotswaperr.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReleaseCheckpoint(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 10, 100)
	if _, err := s.CreateCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	if !s.HasCheckpoint("m") {
		t.Fatalf("checkpoint not retained")
	}
	if err := s.ReleaseCheckpoint("m"); err != nil {
		t.Fatal(err)
	}
	if s.HasCheckpoint("m") {
		t.Fatalf("checkpoint retained after release")
	}
}

func TestCheckpointFileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 50, 100)
	for i := 0; i < 50; i++ {
		if err := s.UpdateAgent("m", i, fillRecord(16, byte(7*i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CommitIncrementalUpdate("m"); err != nil {
		t.Fatal(err)
	}
	cp, err := s.CreateCheckpoint("m")
	if err != nil {
		t.Fatal(err)
	}
	want := moduleBytes(t, s, "m")

	path := filepath.Join(t.TempDir(), "m.ckpt.zst")
	if err := WriteCheckpointFile(path, cp); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := ReadCheckpointFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if loaded.Module != "m" || loaded.AgentCount() != 50 || loaded.ChunkCount() != cp.ChunkCount() {
		t.Fatalf("loaded header mismatch: %+v", loaded)
	}
	if version.Compare(loaded.Version, cp.Version) != 0 {
		t.Fatalf("version mismatch: %s vs %s", loaded.Version, cp.Version)
	}

	// Restoring from the file reproduces state byte-exactly.
	s2 := newTestStore(t)
	registerTest(t, s2, "m", 16, 1, 100)
	if err := s2.RestoreFrom("m", loaded); err != nil {
		t.Fatalf("restore from file: %v", err)
	}
	if got := moduleBytes(t, s2, "m"); !bytes.Equal(got, want) {
		t.Fatalf("file round trip not byte-exact")
	}
}

func TestCheckpointHeaderReadable(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "graphics", 16, 20, 100)
	cp, err := s.CreateCheckpoint("graphics")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "g.ckpt.zst")
	if err := WriteCheckpointFile(path, cp); err != nil {
		t.Fatal(err)
	}
	h, err := ReadCheckpointHeader(path)
	if err != nil {
		t.Fatal(err)
	}
	if h.Module != "graphics" || h.AgentCount != 20 || h.ChunkCount != cp.ChunkCount() {
		t.Fatalf("header = %+v", h)
	}
}

func TestRestoreFromRejectsRecordSizeMismatch(t *testing.T) {
	s := newTestStore(t)
	registerTest(t, s, "m", 16, 10, 100)
	cp, err := s.CreateCheckpoint("m")
	if err != nil {
		t.Fatal(err)
	}
	s2 := newTestStore(t)
	registerTest(t, s2, "m", 32, 10, 100)
	if err := s2.RestoreFrom("m", cp); !errors.Is(err, hotswaperr.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}
