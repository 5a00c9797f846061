// Package transfer implements the chunked, resumable download engine: it
// probes a resource, plans byte ranges, fetches them concurrently into a
// preallocated working file and renames the result into place.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/splitfetch/internal/integrity"
	"github.com/tanq16/splitfetch/internal/metrics"
	"github.com/tanq16/splitfetch/internal/probe"
	"github.com/tanq16/splitfetch/internal/resume"
	"github.com/tanq16/splitfetch/internal/utils"
)

type State string

const (
	StateProbing      State = "probing"
	StatePlanning     State = "planning"
	StateTransferring State = "transferring"
	StateFinalizing   State = "finalizing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Target describes one transfer attempt.
type Target struct {
	URL string
	// Dest is the output file. An empty Dest, or one naming an existing
	// directory or ending in a separator, gets a name derived from the
	// server's suggestion or the URL path.
	Dest        string
	Concurrency int
	ChunkSize   int64
	// Checksum is an optional "algo:hex" token verified before the rename.
	Checksum string
}

type Options struct {
	Client utils.HTTPDoer
	// Store persists manifests; nil disables resume.
	Store              resume.Store
	Retry              RetryPolicy
	MinChunkSize       int64
	AllowUnknownLength bool
	ProgressInterval   time.Duration
	CheckpointInterval time.Duration
	// IdleTimeout bounds the wait for each read of a chunk body.
	IdleTimeout time.Duration
	OnProgress  func(Progress)
	Metrics     *metrics.Recorder
	BufferSize  int
}

type Result struct {
	State         State
	Path          string
	Bytes         int64
	TotalLength   int64
	Chunks        int
	ResumedChunks int
	Elapsed       time.Duration
	// PersistenceDegraded is set when a manifest save failed; the output is
	// still correct but the transfer may not have been resumable.
	PersistenceDegraded bool
	ManifestDiscarded   bool
	RangeFallback       bool
	Err                 error
}

type Coordinator struct {
	opts Options
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Client == nil {
		opts.Client = utils.NewHTTPClient(utils.HTTPClientConfig{})
	}
	opts.Retry = opts.Retry.withDefaults()
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = DefaultMinChunkSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 100 * time.Millisecond
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 5 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = utils.DefaultBufferSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Coordinator{opts: opts}
}

// session carries the mutable state of one Run.
type session struct {
	target   Target
	desc     *probe.Descriptor
	dest     string
	partPath string
	file     *os.File
	chunks   []*Chunk
	manifest *resume.Manifest
	checksum *integrity.Checksum
	res      *Result
	started  time.Time
	log      zerolog.Logger
}

// Run drives one transfer through probing, planning, transferring and
// finalizing. The returned Result is never nil; on failure its Err equals
// the returned error and partial output plus manifest are kept for resume.
func (c *Coordinator) Run(ctx context.Context, target Target) (*Result, error) {
	s := &session{
		target:  target,
		res:     &Result{TotalLength: -1},
		started: time.Now(),
		log:     utils.GetLogger("coordinator").With().Str("url", target.URL).Logger(),
	}
	err := c.run(ctx, s)
	if s.file != nil {
		s.file.Close()
	}
	s.res.Elapsed = time.Since(s.started)
	if err != nil {
		s.res.Err = err
		c.transition(s, StateFailed)
		s.log.Error().Err(err).Str("op", "run").Msg("Transfer failed")
	}
	c.opts.Metrics.TransferFinished(string(s.res.State))
	return s.res, err
}

func (c *Coordinator) transition(s *session, to State) {
	s.log.Debug().Str("op", "transition").Str("from", string(s.res.State)).Str("to", string(to)).Msg("State change")
	s.res.State = to
}

func (c *Coordinator) run(ctx context.Context, s *session) error {
	if s.target.Checksum != "" {
		sum, err := integrity.Parse(s.target.Checksum)
		if err != nil {
			return err
		}
		s.checksum = &sum
	}

	c.transition(s, StateProbing)
	desc, err := probe.Probe(ctx, c.opts.Client, s.target.URL, probe.Options{AllowUnknownLength: c.opts.AllowUnknownLength})
	if err != nil {
		return err
	}
	s.desc = desc
	s.res.TotalLength = desc.TotalLength

	c.transition(s, StatePlanning)
	if err := c.plan(ctx, s); err != nil {
		return err
	}

	c.transition(s, StateTransferring)
	if err := c.transfer(ctx, s); err != nil {
		return err
	}

	c.transition(s, StateFinalizing)
	if err := c.finalize(ctx, s); err != nil {
		return err
	}
	c.transition(s, StateDone)
	s.log.Info().Str("op", "run").Str("path", s.dest).Int64("bytes", s.res.Bytes).
		Int("resumed_chunks", s.res.ResumedChunks).Dur("elapsed", time.Since(s.started)).
		Msg("Transfer complete")
	return nil
}

// Destination resolves the output path for target given a probe result.
func Destination(target Target, desc *probe.Descriptor) string {
	dest := target.Dest
	derive := dest == "" || strings.HasSuffix(dest, string(os.PathSeparator)) || strings.HasSuffix(dest, "/")
	if !derive {
		if info, err := os.Stat(dest); err == nil && info.IsDir() {
			derive = true
		}
	}
	if !derive {
		return dest
	}
	source := target.URL
	if desc != nil && desc.FinalURL != "" {
		source = desc.FinalURL
	}
	name := ""
	if desc != nil {
		name = desc.FileName
	}
	dest = filepath.Join(dest, utils.OutputNameFor(name, source))
	if _, err := os.Stat(dest); err == nil {
		dest = utils.RenewOutputPath(dest)
	}
	return dest
}

func (c *Coordinator) plan(ctx context.Context, s *session) error {
	s.dest = Destination(s.target, s.desc)
	if abs, err := filepath.Abs(s.dest); err == nil {
		s.dest = abs
	}
	s.res.Path = s.dest
	s.partPath = utils.PartPathFor(s.dest)
	s.log = s.log.With().Str("dest", s.dest).Logger()
	if err := os.MkdirAll(utils.TempDirFor(s.dest), 0755); err != nil {
		return fmt.Errorf("transfer: create temp dir: %w", err)
	}

	total := s.desc.TotalLength
	tracked := c.tracked(s)
	if tracked {
		m, discarded, err := resume.Resolve(ctx, c.opts.Store, s.dest, total, s.desc.IdentityToken())
		s.res.ManifestDiscarded = discarded
		if err != nil {
			s.log.Warn().Err(err).Str("op", "plan").Msg("Could not load manifest, starting fresh")
			s.res.PersistenceDegraded = true
		}
		if m != nil && !workingFileValid(s.partPath, total) {
			s.log.Info().Str("op", "plan").Msg("Working file missing or resized, discarding manifest")
			s.res.ManifestDiscarded = true
			c.discard(ctx, s)
			m = nil
		}
		s.manifest = m
	}

	policy := Policy{Concurrency: s.target.Concurrency, ChunkSize: s.target.ChunkSize, MinChunkSize: c.opts.MinChunkSize}
	chunks, err := Plan(s.desc, policy, s.manifest)
	var planErr *PlanError
	if errors.As(err, &planErr) && s.manifest != nil {
		s.log.Warn().Err(err).Str("op", "plan").Msg("Manifest chunk layout invalid, replanning")
		s.res.ManifestDiscarded = true
		c.discard(ctx, s)
		s.manifest = nil
		chunks, err = Plan(s.desc, policy, nil)
	}
	if err != nil {
		return err
	}
	s.chunks = chunks
	s.res.Chunks = len(chunks)

	flags := os.O_CREATE | os.O_RDWR | os.O_TRUNC
	if s.manifest != nil {
		flags = os.O_RDWR
		s.res.ResumedChunks = s.manifest.CompletedChunks()
		s.log.Info().Str("op", "plan").Int("complete", s.res.ResumedChunks).Int("chunks", len(chunks)).Msg("Resuming transfer")
	}
	f, err := os.OpenFile(s.partPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("transfer: open working file: %w", err)
	}
	s.file = f
	if s.desc.KnownLength() {
		if err := f.Truncate(total); err != nil {
			return fmt.Errorf("transfer: allocate working file: %w", err)
		}
	}

	if tracked && s.manifest == nil {
		s.manifest = resume.NewManifest(s.dest, s.target.URL, total, s.desc.IdentityToken(), records(chunks))
		if err := c.opts.Store.Save(ctx, s.manifest); err != nil {
			s.log.Warn().Err(err).Str("op", "plan").Msg("Could not save initial manifest")
			s.res.PersistenceDegraded = true
		}
	}
	s.log.Debug().Str("op", "plan").Int("chunks", len(chunks)).Int64("total", total).Bool("tracked", tracked).Msg("Plan ready")
	return nil
}

func (c *Coordinator) tracked(s *session) bool {
	return c.opts.Store != nil && s.desc.Resumable() && s.desc.TotalLength > 0
}

func workingFileValid(path string, total int64) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() == total
}

func (c *Coordinator) discard(ctx context.Context, s *session) {
	if err := c.opts.Store.Discard(context.WithoutCancel(ctx), s.dest); err != nil {
		s.log.Warn().Err(&PersistenceError{Op: "discard", Key: s.dest, Err: err}).Msg("Could not discard manifest")
		s.res.PersistenceDegraded = true
	}
}

func (c *Coordinator) transfer(ctx context.Context, s *session) error {
	ranged := s.desc.Resumable()
	pool, err := c.runPool(ctx, s, ranged)
	if err == nil || !ranged || ctx.Err() != nil {
		return err
	}

	stats := pool.Stats()
	if !errors.Is(err, ErrRangeRejected) || stats.Completed > 0 || stats.Attempted == 0 || stats.RangeRejected != stats.Attempted {
		return err
	}
	// Every ranged request came back as a full 200 body: treat the server as
	// range-incapable and fetch the whole resource as one plain GET.
	s.log.Warn().Str("op", "transfer").Int64("rejected", stats.RangeRejected).Msg("Server ignores ranges, falling back to a single stream")
	if s.manifest != nil {
		c.discard(ctx, s)
		s.manifest = nil
	}
	s.res.RangeFallback = true
	s.chunks = []*Chunk{{ID: 0, Start: 0, End: s.desc.TotalLength, State: ChunkPending}}
	s.res.Chunks = 1
	s.res.ResumedChunks = 0
	_, err = c.runPool(ctx, s, false)
	return err
}

func (c *Coordinator) runPool(ctx context.Context, s *session, ranged bool) (*Pool, error) {
	events := make(chan Event, 256)
	agg := NewAggregator(AggregatorConfig{
		Store:              c.opts.Store,
		Manifest:           s.manifest,
		Checkpoint:         s.file.Sync,
		OnProgress:         c.opts.OnProgress,
		ProgressInterval:   c.opts.ProgressInterval,
		CheckpointInterval: c.opts.CheckpointInterval,
		TotalBytes:         s.desc.TotalLength,
		Chunks:             s.chunks,
		Metrics:            c.opts.Metrics,
	})
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		agg.Run(ctx, events)
	}()

	pool := &Pool{
		Client:       c.opts.Client,
		URL:          s.target.URL,
		File:         s.file,
		Concurrency:  max(s.target.Concurrency, 1),
		Retry:        c.opts.Retry,
		Ranged:       ranged,
		ETag:         s.desc.ETag,
		LastModified: s.desc.LastModified,
		TotalLength:  s.desc.TotalLength,
		BufferSize:   c.opts.BufferSize,
		IdleTimeout:  c.opts.IdleTimeout,
		Events:       events,
		Metrics:      c.opts.Metrics,
	}
	err := pool.Run(ctx, s.chunks)
	close(events)
	<-aggDone

	s.res.Bytes = agg.Completed()
	if agg.Degraded() {
		s.res.PersistenceDegraded = true
	}
	return pool, err
}

func (c *Coordinator) finalize(ctx context.Context, s *session) error {
	if err := s.file.Sync(); err != nil {
		return &FinalizationError{Path: s.partPath, Err: err}
	}
	total := s.desc.TotalLength
	if !s.desc.KnownLength() && len(s.chunks) == 1 {
		total = s.chunks[0].Written
		if err := s.file.Truncate(total); err != nil {
			return &FinalizationError{Path: s.partPath, Err: err}
		}
		s.res.TotalLength = total
	}
	if err := s.file.Close(); err != nil {
		s.file = nil
		return &FinalizationError{Path: s.partPath, Err: err}
	}
	s.file = nil

	info, err := os.Stat(s.partPath)
	if err != nil {
		return &FinalizationError{Path: s.partPath, Err: err}
	}
	if info.Size() != total {
		return &FinalizationError{Path: s.partPath, Err: fmt.Errorf("%w: %d bytes on disk, expected %d", ErrLengthMismatch, info.Size(), total)}
	}
	if s.checksum != nil {
		if err := integrity.VerifyFile(s.partPath, *s.checksum); err != nil {
			return &FinalizationError{Path: s.partPath, Err: err}
		}
		s.log.Debug().Str("op", "finalize").Str("checksum", s.checksum.String()).Msg("Checksum verified")
	}
	if err := os.MkdirAll(filepath.Dir(s.dest), 0755); err != nil {
		return &FinalizationError{Path: s.dest, Err: err}
	}
	if err := os.Rename(s.partPath, s.dest); err != nil {
		return &FinalizationError{Path: s.dest, Err: err}
	}
	if s.manifest != nil {
		c.discard(ctx, s)
	}
	// Only removes the temp dir once no other transfer is using it.
	os.Remove(utils.TempDirFor(s.dest))
	return nil
}
