// Package resume persists the per-chunk progress of a transfer so an
// interrupted download can pick up where it stopped.
package resume

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const ManifestVersion = 1

var (
	ErrCorruptManifest = errors.New("resume: corrupt manifest")
	ErrEmptyKey        = errors.New("resume: empty manifest key")
)

type ChunkState string

const (
	StatePending    ChunkState = "pending"
	StateInProgress ChunkState = "in_progress"
	StateComplete   ChunkState = "complete"
	StateFailed     ChunkState = "failed"
)

// ChunkRecord is the persisted form of one chunk. The range is half-open.
type ChunkRecord struct {
	Start    int64      `json:"start"`
	End      int64      `json:"end"`
	State    ChunkState `json:"state"`
	Written  int64      `json:"written"`
	Attempts int        `json:"attempts"`
}

type Manifest struct {
	Version     int           `json:"version"`
	Key         string        `json:"key"`
	URL         string        `json:"url"`
	TotalLength int64         `json:"total_length"`
	Identity    string        `json:"identity"`
	SessionID   string        `json:"session_id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Chunks      []ChunkRecord `json:"chunks"`
}

// NewManifest starts a manifest for a fresh transfer with a new session id.
func NewManifest(key, url string, totalLength int64, identity string, chunks []ChunkRecord) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		Version:     ManifestVersion,
		Key:         key,
		URL:         url,
		TotalLength: totalLength,
		Identity:    identity,
		SessionID:   uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Chunks:      chunks,
	}
}

// Matches reports whether the manifest describes the same remote resource.
// An empty identity only matches an empty identity.
func (m *Manifest) Matches(totalLength int64, identity string) bool {
	return m.TotalLength == totalLength && m.Identity == identity
}

// Validate checks the structural invariants a decoded manifest must hold.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptManifest, m.Version)
	}
	if m.TotalLength < 0 {
		return fmt.Errorf("%w: negative total length", ErrCorruptManifest)
	}
	for i, c := range m.Chunks {
		if c.End < c.Start || c.Written < 0 || c.Written > c.End-c.Start {
			return fmt.Errorf("%w: chunk %d has range [%d,%d) with %d written", ErrCorruptManifest, i, c.Start, c.End, c.Written)
		}
		switch c.State {
		case StatePending, StateInProgress, StateComplete, StateFailed:
		default:
			return fmt.Errorf("%w: chunk %d has unknown state %q", ErrCorruptManifest, i, c.State)
		}
	}
	return nil
}

func (m *Manifest) CompletedBytes() int64 {
	var total int64
	for _, c := range m.Chunks {
		if c.State == StateComplete {
			total += c.End - c.Start
		} else {
			total += c.Written
		}
	}
	return total
}

func (m *Manifest) CompletedChunks() int {
	n := 0
	for _, c := range m.Chunks {
		if c.State == StateComplete {
			n++
		}
	}
	return n
}

// Clone returns a deep copy, safe to hand to another goroutine.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Chunks = append([]ChunkRecord(nil), m.Chunks...)
	return &c
}
