package statestore

import (
	"crypto/sha256"
	"sync"
	"time"

	"simswap.dev/internal/hotswap/version"
)

// chunk is one contiguous partition of a module's agent array. Chunks
// partition [0, count) with no overlap and no gaps.
type chunk struct {
	id    uint32
	start int // first agent id in this chunk
	count int // agents currently stored

	data []byte // raw record bytes; nil while compressed
	comp []byte // zstd frame while compressed

	checksum   [32]byte
	dirty      bool
	compressed bool
	updatedAt  time.Time
}

func (c *chunk) rechecksum() {
	c.checksum = sha256.Sum256(c.data)
	c.dirty = false
	c.updatedAt = time.Now()
}

// moduleState is the chunk table for a single module. The mutex guards chunk
// data and the population counters; maintenance takes it per chunk operation
// so tick-path writers never wait on a whole-module pass.
type moduleState struct {
	mu sync.Mutex

	name       string
	version    version.Version
	recordSize int
	capacity   int // agents per chunk
	count      int
	maxCount   int

	chunks      []*chunk
	incremental bool
	checkpoint  *Checkpoint
	validateDue bool
}

// chunkCount returns ceil(count/capacity) for a given population.
func chunkCountFor(count, capacity int) int {
	if count == 0 {
		return 0
	}
	return (count + capacity - 1) / capacity
}

// grow extends the chunk table to hold newCount agents. Existing chunk bytes
// are preserved; the trailing chunk is extended in place and new chunks are
// zero-filled. Callers hold m.mu (or have exclusive access).
func (m *moduleState) grow(newCount int) error {
	want := chunkCountFor(newCount, m.capacity)
	for i := len(m.chunks); i < want; i++ {
		m.chunks = append(m.chunks, &chunk{
			id:    uint32(i),
			start: i * m.capacity,
		})
	}
	m.count = newCount
	for i, c := range m.chunks {
		end := (i + 1) * m.capacity
		if end > newCount {
			end = newCount
		}
		n := end - c.start
		if n == c.count && !c.compressed && len(c.data) == n*m.recordSize {
			continue
		}
		if err := c.ensureRaw(); err != nil {
			return err
		}
		c.count = n
		need := n * m.recordSize
		if cap(c.data) < need {
			grown := make([]byte, need)
			copy(grown, c.data)
			c.data = grown
		} else {
			old := len(c.data)
			c.data = c.data[:need]
			for j := old; j < need; j++ {
				c.data[j] = 0
			}
		}
		c.dirty = true
	}
	return nil
}

func (m *moduleState) rechecksumAll() {
	for _, c := range m.chunks {
		if !c.compressed {
			c.rechecksum()
		}
	}
}

// chunkFor maps an agent id to its chunk. Callers hold m.mu and have
// validated the id.
func (m *moduleState) chunkFor(id int) *chunk {
	return m.chunks[id/m.capacity]
}
