package transfer

import (
	"fmt"

	"github.com/tanq16/splitfetch/internal/probe"
	"github.com/tanq16/splitfetch/internal/resume"
)

type ChunkState = resume.ChunkState

const (
	ChunkPending    = resume.StatePending
	ChunkInProgress = resume.StateInProgress
	ChunkComplete   = resume.StateComplete
	ChunkFailed     = resume.StateFailed
)

// Chunk is a half-open byte range [Start, End) of the resource. End is -1
// for the single chunk of a resource whose length is unknown.
type Chunk struct {
	ID       int
	Start    int64
	End      int64
	State    ChunkState
	Written  int64
	Attempts int
}

func (c *Chunk) Size() int64 {
	if c.End < 0 {
		return -1
	}
	return c.End - c.Start
}

func (c *Chunk) Bounded() bool {
	return c.End >= 0
}

// Offset is the next absolute file offset the chunk will write to.
func (c *Chunk) Offset() int64 {
	return c.Start + c.Written
}

func (c *Chunk) String() string {
	if !c.Bounded() {
		return fmt.Sprintf("chunk %d [%d,EOF)", c.ID, c.Start)
	}
	return fmt.Sprintf("chunk %d [%d,%d)", c.ID, c.Start, c.End)
}

func (c *Chunk) record() resume.ChunkRecord {
	return resume.ChunkRecord{
		Start:    c.Start,
		End:      c.End,
		State:    c.State,
		Written:  c.Written,
		Attempts: c.Attempts,
	}
}

func records(chunks []*Chunk) []resume.ChunkRecord {
	out := make([]resume.ChunkRecord, len(chunks))
	for i, c := range chunks {
		out[i] = c.record()
	}
	return out
}

// Policy controls how a resource is split.
type Policy struct {
	Concurrency int
	// ChunkSize > 0 fixes the chunk size; 0 divides the total by Concurrency.
	ChunkSize int64
	// MinChunkSize bounds how small a chunk may get when dividing by Concurrency.
	MinChunkSize int64
}

const DefaultMinChunkSize = 1 << 20

// Plan computes the chunk list for a transfer. A manifest, when given, must
// already match desc; its chunk list is reused with interrupted chunks
// reset to pending so only missing ranges are fetched.
func Plan(desc *probe.Descriptor, policy Policy, m *resume.Manifest) ([]*Chunk, error) {
	if m != nil {
		return fromManifest(m)
	}
	total := desc.TotalLength
	if total == 0 {
		return nil, nil
	}
	if !desc.Resumable() {
		end := total
		if !desc.KnownLength() {
			end = -1
		}
		return []*Chunk{{ID: 0, Start: 0, End: end, State: ChunkPending}}, nil
	}
	if total < 0 {
		return nil, &PlanError{Reason: "negative total length"}
	}

	var n, size int64
	switch {
	case policy.ChunkSize > 0:
		size = policy.ChunkSize
		n = (total + size - 1) / size
	default:
		minSize := policy.MinChunkSize
		if minSize <= 0 {
			minSize = DefaultMinChunkSize
		}
		n = int64(max(policy.Concurrency, 1))
		n = min(n, (total+minSize-1)/minSize)
		size = total / n
	}

	chunks := make([]*Chunk, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * size
		end := start + size
		if i == n-1 {
			end = total
		}
		chunks = append(chunks, &Chunk{ID: int(i), Start: start, End: end, State: ChunkPending})
	}
	return chunks, nil
}

func fromManifest(m *resume.Manifest) ([]*Chunk, error) {
	chunks := make([]*Chunk, len(m.Chunks))
	for i, r := range m.Chunks {
		c := &Chunk{ID: i, Start: r.Start, End: r.End, State: r.State, Written: r.Written}
		switch c.State {
		case ChunkComplete:
			c.Written = c.End - c.Start
		case ChunkInProgress, ChunkFailed:
			c.State = ChunkPending
		}
		chunks[i] = c
	}
	if err := ValidatePartition(chunks, m.TotalLength); err != nil {
		return nil, err
	}
	return chunks, nil
}

// ValidatePartition checks that chunks are ordered, contiguous, non-empty
// and cover exactly [0, total).
func ValidatePartition(chunks []*Chunk, total int64) error {
	if total == 0 {
		if len(chunks) != 0 {
			return &PlanError{Reason: "chunks present for empty resource"}
		}
		return nil
	}
	if len(chunks) == 0 {
		return &PlanError{Reason: "no chunks for non-empty resource"}
	}
	var next int64
	for i, c := range chunks {
		if c.Start != next {
			return &PlanError{Reason: fmt.Sprintf("chunk %d starts at %d, expected %d", i, c.Start, next)}
		}
		if c.End <= c.Start {
			return &PlanError{Reason: fmt.Sprintf("chunk %d is empty or inverted", i)}
		}
		next = c.End
	}
	if next != total {
		return &PlanError{Reason: fmt.Sprintf("chunks end at %d, resource has %d bytes", next, total)}
	}
	return nil
}
