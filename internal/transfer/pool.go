package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tanq16/splitfetch/internal/metrics"
	"github.com/tanq16/splitfetch/internal/probe"
	"github.com/tanq16/splitfetch/internal/utils"
)

const DefaultIdleTimeout = time.Minute

type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventReset
	EventRetry
	EventComplete
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventReset:
		return "reset"
	case EventRetry:
		return "retry"
	case EventComplete:
		return "complete"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event is a worker's report to the aggregator. Bytes is a delta for
// progress events and the discarded amount for reset events.
type Event struct {
	Chunk    int
	Kind     EventKind
	Bytes    int64
	Attempts int
	Err      error
}

// PoolStats counts responses to ranged requests so the coordinator can
// detect a server that ignores ranges entirely.
type PoolStats struct {
	Attempted     int64
	RangeRejected int64
	Completed     int64
}

// Pool fetches chunks concurrently into a shared working file. Each worker
// writes only inside the range of the chunk it currently holds.
type Pool struct {
	Client      utils.HTTPDoer
	URL         string
	File        io.WriterAt
	Concurrency int
	Retry       RetryPolicy
	// Ranged issues Range requests; otherwise the single chunk restarts
	// from offset zero on every attempt.
	Ranged bool
	// ETag, LastModified and TotalLength describe the probed resource;
	// responses that disagree with them fail with ErrResourceChanged.
	ETag         string
	LastModified string
	TotalLength  int64
	BufferSize   int
	// IdleTimeout aborts an attempt once no body bytes arrive for this long.
	IdleTimeout time.Duration
	Events      chan<- Event
	Metrics     *metrics.Recorder

	attempted     atomic.Int64
	rangeRejected atomic.Int64
	completed     atomic.Int64
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Attempted:     p.attempted.Load(),
		RangeRejected: p.rangeRejected.Load(),
		Completed:     p.completed.Load(),
	}
}

// Run blocks until every chunk is complete, one chunk fails terminally or
// ctx is cancelled. Complete chunks are skipped.
func (p *Pool) Run(ctx context.Context, chunks []*Chunk) error {
	log := utils.GetLogger("pool")
	p.Retry = p.Retry.withDefaults()
	if p.BufferSize <= 0 {
		p.BufferSize = utils.DefaultBufferSize
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}

	var pending []*Chunk
	for _, c := range chunks {
		if c.State != ChunkComplete {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	// Capacity covers every chunk, so re-enqueueing a retry never blocks.
	queue := make(chan *Chunk, len(pending))
	for _, c := range pending {
		queue <- c
	}
	var remaining atomic.Int64
	remaining.Store(int64(len(pending)))

	workers := min(max(p.Concurrency, 1), len(pending))
	log.Debug().Str("op", "run").Int("workers", workers).Int("chunks", len(pending)).Bool("ranged", p.Ranged).Msg("Starting workers")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerLog := log.With().Int("worker", i).Logger()
		g.Go(func() error {
			return p.worker(gctx, workerLog, queue, &remaining)
		})
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context, log zerolog.Logger, queue chan *Chunk, remaining *atomic.Int64) error {
	for {
		var c *Chunk
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-queue:
			if !ok {
				return nil
			}
			c = next
		}

		c.State = ChunkInProgress
		p.emit(Event{Chunk: c.ID, Kind: EventStarted, Attempts: c.Attempts})
		p.Metrics.ChunkStarted()
		started := time.Now()

		err := p.fetch(ctx, c)
		if err == nil {
			p.Metrics.ChunkFinished("complete", time.Since(started))
			c.State = ChunkComplete
			p.completed.Add(1)
			p.emit(Event{Chunk: c.ID, Kind: EventComplete, Attempts: c.Attempts})
			log.Debug().Str("op", "fetch").Stringer("chunk", c).Int("attempts", c.Attempts+1).Msg("Chunk complete")
			if remaining.Add(-1) == 0 {
				close(queue)
			}
			continue
		}
		if ctx.Err() != nil {
			p.Metrics.ChunkFinished("canceled", time.Since(started))
			return ctx.Err()
		}

		c.Attempts++
		if !retryable(err) || c.Attempts >= p.Retry.MaxAttempts {
			p.Metrics.ChunkFinished("failed", time.Since(started))
			c.State = ChunkFailed
			p.emit(Event{Chunk: c.ID, Kind: EventFailed, Attempts: c.Attempts, Err: err})
			log.Error().Err(err).Str("op", "fetch").Stringer("chunk", c).Int("attempts", c.Attempts).Msg("Chunk failed")
			return &ChunkError{Chunk: c.ID, Start: c.Start, End: c.End, Attempts: c.Attempts, Err: err}
		}

		p.Metrics.ChunkFinished("retry", time.Since(started))
		c.State = ChunkPending
		p.emit(Event{Chunk: c.ID, Kind: EventRetry, Attempts: c.Attempts, Err: err})
		delay := p.Retry.Delay(c.Attempts)
		log.Warn().Err(err).Str("op", "fetch").Stringer("chunk", c).Int("attempt", c.Attempts).Dur("backoff", delay).Msg("Chunk attempt failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		queue <- c
	}
}

// fetch performs one attempt for c, writing from its current offset.
func (p *Pool) fetch(ctx context.Context, c *Chunk) error {
	if p.Ranged && c.Bounded() && c.Written >= c.Size() {
		return nil
	}
	if !p.Ranged && c.Written > 0 {
		p.emit(Event{Chunk: c.ID, Kind: EventReset, Bytes: c.Written})
		c.Written = 0
	}

	// The attempt gets its own context so a stall cancels only this request.
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	idle := time.AfterFunc(p.IdleTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer idle.Stop()

	err := p.attempt(attemptCtx, c, idle)
	if err != nil && stalled.Load() && ctx.Err() == nil {
		return fmt.Errorf("%w (%s)", ErrStalled, p.IdleTimeout)
	}
	return err
}

func (p *Pool) attempt(ctx context.Context, c *Chunk, idle *time.Timer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return &writeError{err: err}
	}
	from := c.Offset()
	if p.Ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, c.End-1))
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := p.validate(resp, from); err != nil {
		return err
	}
	return p.copyBody(ctx, c, resp.Body, idle)
}

func (p *Pool) validate(resp *http.Response, from int64) error {
	if etag := probe.CleanETag(resp.Header.Get("ETag")); p.ETag != "" && etag != "" && etag != p.ETag {
		return fmt.Errorf("%w: etag %q, expected %q", ErrResourceChanged, etag, p.ETag)
	}
	// Last-Modified identifies the resource only when there is no ETag.
	if lm := resp.Header.Get("Last-Modified"); p.ETag == "" && p.LastModified != "" && lm != "" && lm != p.LastModified {
		return fmt.Errorf("%w: last-modified %q, expected %q", ErrResourceChanged, lm, p.LastModified)
	}
	if !p.Ranged {
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode}
		}
		if p.TotalLength >= 0 && resp.ContentLength >= 0 && resp.ContentLength != p.TotalLength {
			return fmt.Errorf("%w: length %d, expected %d", ErrResourceChanged, resp.ContentLength, p.TotalLength)
		}
		return nil
	}
	p.attempted.Add(1)
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		p.rangeRejected.Add(1)
		return ErrRangeRejected
	default:
		return &StatusError{Code: resp.StatusCode}
	}
	start, _, total, err := probe.ParseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRangeMismatch, err)
	}
	if p.TotalLength >= 0 && total >= 0 && total != p.TotalLength {
		return fmt.Errorf("%w: length %d, expected %d", ErrResourceChanged, total, p.TotalLength)
	}
	if start != from {
		return fmt.Errorf("%w: got start %d, requested %d", ErrRangeMismatch, start, from)
	}
	return nil
}

// copyBody streams body into the working file at the chunk's offset and
// never writes past the chunk's end. Every read that returns data pushes
// the idle deadline back.
func (p *Pool) copyBody(ctx context.Context, c *Chunk, body io.Reader, idle *time.Timer) error {
	buf := make([]byte, p.BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := len(buf)
		if c.Bounded() {
			left := c.End - c.Offset()
			if left <= 0 {
				return nil
			}
			want = int(min(int64(want), left))
		}
		n, rerr := body.Read(buf[:want])
		if n > 0 {
			idle.Reset(p.IdleTimeout)
			if _, err := p.File.WriteAt(buf[:n], c.Offset()); err != nil {
				return &writeError{err: err}
			}
			c.Written += int64(n)
			p.emit(Event{Chunk: c.ID, Kind: EventProgress, Bytes: int64(n)})
		}
		if errors.Is(rerr, io.EOF) {
			if c.Bounded() && c.Offset() < c.End {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (p *Pool) emit(ev Event) {
	if p.Events != nil {
		p.Events <- ev
	}
}
