package statestore

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"simswap.dev/internal/hotswap/version"
)

// CheckpointHeader is the uncompressed-readable first line of a checkpoint
// file; the gob body that follows carries the full payload.
type CheckpointHeader struct {
	FormatVersion int    `json:"format_version"`
	ID            string `json:"id"`
	Module        string `json:"module"`
	Version       string `json:"version"`
	ChunkCount    int    `json:"chunk_count"`
	AgentCount    int    `json:"agent_count"`
}

const checkpointFormatVersion = 1

// checkpointFileV1 is the gob payload of a checkpoint file.
type checkpointFileV1 struct {
	Header     CheckpointHeader
	Version    version.Version
	RecordSize int
	AgentCount int
	CreatedAt  int64
	Chunks     []checkpointChunkV1
}

type checkpointChunkV1 struct {
	ChunkID    uint32
	AgentStart int
	AgentCount int
	Compressed bool
	Length     int
	Checksum   [32]byte
	Bytes      []byte
}

// WriteCheckpointFile persists cp as a zstd-framed file: one JSON header
// line, then the gob body. The byte payload round-trips exactly.
func WriteCheckpointFile(path string, cp *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	payload := checkpointFileV1{
		Header: CheckpointHeader{
			FormatVersion: checkpointFormatVersion,
			ID:            cp.ID,
			Module:        cp.Module,
			Version:       cp.Version.String(),
			ChunkCount:    len(cp.chunks),
			AgentCount:    cp.count,
		},
		Version:    cp.Version,
		RecordSize: cp.recordSize,
		AgentCount: cp.count,
		CreatedAt:  cp.CreatedAt.UnixNano(),
	}
	for i, data := range cp.chunks {
		payload.Chunks = append(payload.Chunks, checkpointChunkV1{
			ChunkID:    uint32(i),
			AgentStart: i * chunkAgents(cp),
			AgentCount: len(data) / cp.recordSize,
			Length:     len(data),
			Checksum:   cp.checksums[i],
			Bytes:      data,
		})
	}

	hb, _ := json.Marshal(payload.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&payload); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

// chunkAgents recovers the per-chunk agent capacity from the snapshot shape.
func chunkAgents(cp *Checkpoint) int {
	if len(cp.chunks) == 0 || cp.recordSize == 0 {
		return 0
	}
	return len(cp.chunks[0]) / cp.recordSize
}

// ReadCheckpointFile loads a checkpoint persisted by WriteCheckpointFile.
func ReadCheckpointFile(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is advisory; the gob body repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return nil, fmt.Errorf("checkpoint header: %w", err)
	}

	var payload checkpointFileV1
	if err := gob.NewDecoder(br).Decode(&payload); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	if payload.Header.FormatVersion != checkpointFormatVersion {
		return nil, fmt.Errorf("checkpoint format %d unsupported", payload.Header.FormatVersion)
	}

	cp := &Checkpoint{
		ID:         payload.Header.ID,
		Module:     payload.Header.Module,
		Version:    payload.Version,
		CreatedAt:  time.Unix(0, payload.CreatedAt),
		recordSize: payload.RecordSize,
		count:      payload.AgentCount,
	}
	for _, ch := range payload.Chunks {
		if len(ch.Bytes) != ch.Length {
			return nil, fmt.Errorf("checkpoint chunk %d: length %d, recorded %d",
				ch.ChunkID, len(ch.Bytes), ch.Length)
		}
		cp.chunks = append(cp.chunks, ch.Bytes)
		cp.checksums = append(cp.checksums, ch.Checksum)
	}
	return cp, nil
}

// ReadCheckpointHeader reads only the JSON header line, without decoding the
// body. Used by inspection tooling.
func ReadCheckpointHeader(path string) (CheckpointHeader, error) {
	var h CheckpointHeader
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("checkpoint header: %w", err)
	}
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return h, fmt.Errorf("checkpoint header: %w", err)
	}
	return h, nil
}

// Verify recomputes every captured chunk's checksum against the stored value
// and returns the ids of mismatching chunks. Used by inspection tooling on
// checkpoints read back from disk.
func (cp *Checkpoint) Verify() []int {
	var bad []int
	for i, data := range cp.chunks {
		if sha256.Sum256(data) != cp.checksums[i] {
			bad = append(bad, i)
		}
	}
	return bad
}
