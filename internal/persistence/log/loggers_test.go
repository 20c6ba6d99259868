package log

import (
	"os"
	"path/filepath"
	"testing"
)

type testEvent struct {
	Module  string `json:"module"`
	Outcome string `json:"outcome"`
	Seq     int    `json:"seq"`
}

func TestJSONLZstdRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	for i := 0; i < 100; i++ {
		outcome := "success"
		if i%7 == 0 {
			outcome = "failed"
		}
		if err := w.Write(testEvent{Module: "physics", Outcome: outcome, Seq: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files = %v err = %v", files, err)
	}
	got, err := ReadJSONL[testEvent](files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("entries = %d, want 100", len(got))
	}
	for i, ev := range got {
		if ev.Seq != i {
			t.Fatalf("entry %d out of order: %+v", i, ev)
		}
	}
	if got[0].Outcome != "failed" || got[1].Outcome != "success" {
		t.Fatalf("outcomes = %s %s", got[0].Outcome, got[1].Outcome)
	}
}

func TestWriterAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w := NewSwapLogger(dir)
	if err := w.Write(testEvent{Module: "a", Seq: 0}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	w = NewSwapLogger(dir)
	if err := w.Write(testEvent{Module: "a", Seq: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "swaps", "swaps-*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files = %v err = %v", files, err)
	}
	// Two zstd frames appended to one file decode as one stream.
	got, err := ReadJSONL[testEvent](files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Seq != 1 {
		t.Fatalf("entries = %+v", got)
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := ReadJSONL[testEvent](filepath.Join(t.TempDir(), "nope.jsonl.zst"))
	if !os.IsNotExist(err) {
		t.Fatalf("got %v", err)
	}
}
