package transfer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/splitfetch/internal/metrics"
	"github.com/tanq16/splitfetch/internal/resume"
	"github.com/tanq16/splitfetch/internal/utils"
)

// Progress is a snapshot handed to the progress callback.
type Progress struct {
	BytesCompleted int64
	TotalBytes     int64 // -1 when unknown
	Elapsed        time.Duration
	ChunksComplete int
	ChunksTotal    int
}

func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	return float64(p.BytesCompleted) / float64(p.TotalBytes) * 100
}

func (p Progress) Speed() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.BytesCompleted) / p.Elapsed.Seconds()
}

type AggregatorConfig struct {
	// Store and Manifest are nil for transfers that are not resume-tracked.
	Store    resume.Store
	Manifest *resume.Manifest
	// Checkpoint runs before every manifest save, typically an fsync of the
	// working file so the manifest never claims unsynced bytes.
	Checkpoint         func() error
	OnProgress         func(Progress)
	ProgressInterval   time.Duration
	CheckpointInterval time.Duration
	TotalBytes         int64
	Chunks             []*Chunk
	Metrics            *metrics.Recorder
}

// Aggregator is the single consumer of worker events. It alone mutates the
// progress totals and its copy of the manifest.
type Aggregator struct {
	cfg      AggregatorConfig
	log      zerolog.Logger
	manifest *resume.Manifest

	completed      int64
	chunksComplete int
	started        time.Time
	lastProgress   time.Time
	lastSave       time.Time
	dirty          bool
	persistErrs    int
	lastPersistErr error
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	a := &Aggregator{
		cfg: cfg,
		log: utils.GetLogger("aggregator"),
	}
	if cfg.Manifest != nil {
		a.manifest = cfg.Manifest.Clone()
		a.log = a.log.With().Str("key", a.manifest.Key).Logger()
	}
	for _, c := range cfg.Chunks {
		if c.State == ChunkComplete {
			a.chunksComplete++
			a.completed += c.Size()
		} else {
			a.completed += c.Written
		}
	}
	return a
}

// Run consumes events until the channel is closed, then flushes the
// manifest and reports final progress. Saves are not cancelled with ctx so
// an interrupted transfer still records how far it got.
func (a *Aggregator) Run(ctx context.Context, events <-chan Event) {
	saveCtx := context.WithoutCancel(ctx)
	a.started = time.Now()
	a.lastSave = a.started
	for ev := range events {
		a.apply(ev)
		switch ev.Kind {
		case EventComplete, EventFailed:
			a.save(saveCtx)
		case EventProgress:
			if a.cfg.CheckpointInterval > 0 && a.dirty && time.Since(a.lastSave) >= a.cfg.CheckpointInterval {
				a.save(saveCtx)
			}
			a.report(false)
		}
	}
	if a.dirty {
		a.save(saveCtx)
	}
	a.report(true)
}

func (a *Aggregator) apply(ev Event) {
	var rec *resume.ChunkRecord
	if a.manifest != nil && ev.Chunk >= 0 && ev.Chunk < len(a.manifest.Chunks) {
		rec = &a.manifest.Chunks[ev.Chunk]
		a.dirty = true
	}
	switch ev.Kind {
	case EventStarted:
		if rec != nil {
			rec.State = resume.StateInProgress
		}
	case EventProgress:
		a.completed += ev.Bytes
		a.cfg.Metrics.AddBytes(ev.Bytes)
		if rec != nil {
			rec.Written += ev.Bytes
		}
	case EventReset:
		a.completed -= ev.Bytes
		if rec != nil {
			rec.Written = 0
		}
	case EventRetry:
		if rec != nil {
			rec.State = resume.StatePending
			rec.Attempts = ev.Attempts
		}
	case EventComplete:
		a.chunksComplete++
		if rec != nil {
			rec.State = resume.StateComplete
			rec.Written = rec.End - rec.Start
		}
	case EventFailed:
		if rec != nil {
			rec.State = resume.StateFailed
			rec.Attempts = ev.Attempts
		}
	}
}

func (a *Aggregator) save(ctx context.Context) {
	if a.manifest == nil || a.cfg.Store == nil {
		return
	}
	if a.cfg.Checkpoint != nil {
		if err := a.cfg.Checkpoint(); err != nil {
			a.persistFailed(&PersistenceError{Op: "checkpoint", Key: a.manifest.Key, Err: err})
			return
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.cfg.Store.Save(ctx, a.manifest); err != nil {
		a.persistFailed(&PersistenceError{Op: "save", Key: a.manifest.Key, Err: err})
		return
	}
	a.dirty = false
	a.lastSave = time.Now()
}

func (a *Aggregator) persistFailed(err *PersistenceError) {
	a.persistErrs++
	a.lastPersistErr = err
	a.log.Warn().Err(err).Str("op", err.Op).Int("failures", a.persistErrs).Msg("Manifest persistence failed, transfer continues")
}

func (a *Aggregator) report(final bool) {
	if a.cfg.OnProgress == nil {
		return
	}
	now := time.Now()
	if !final && now.Sub(a.lastProgress) < a.cfg.ProgressInterval {
		return
	}
	a.lastProgress = now
	a.cfg.OnProgress(a.Snapshot())
}

func (a *Aggregator) Snapshot() Progress {
	return Progress{
		BytesCompleted: a.completed,
		TotalBytes:     a.cfg.TotalBytes,
		Elapsed:        time.Since(a.started),
		ChunksComplete: a.chunksComplete,
		ChunksTotal:    len(a.cfg.Chunks),
	}
}

func (a *Aggregator) Completed() int64 {
	return a.completed
}

// Degraded reports whether any manifest save failed during the run.
func (a *Aggregator) Degraded() bool {
	return a.persistErrs > 0
}

func (a *Aggregator) LastPersistenceError() error {
	return a.lastPersistErr
}
