package transfer

import (
	"errors"
	"testing"
	"time"

	"github.com/tanq16/splitfetch/internal/probe"
	"github.com/tanq16/splitfetch/internal/resume"
)

func rangedDesc(total int64) *probe.Descriptor {
	return &probe.Descriptor{TotalLength: total, AcceptRanges: true}
}

func TestPlanTenMillionFourWays(t *testing.T) {
	chunks, err := Plan(rangedDesc(10_000_000), Policy{Concurrency: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	for i, c := range chunks {
		if c.Size() != 2_500_000 || c.Start != int64(i)*2_500_000 {
			t.Errorf("chunk %d = [%d,%d), want 2,500,000 bytes at %d", i, c.Start, c.End, i*2_500_000)
		}
		if c.State != ChunkPending || c.ID != i {
			t.Errorf("chunk %d has state %s id %d", i, c.State, c.ID)
		}
	}
}

func TestPlanPartitionsEveryTotal(t *testing.T) {
	totals := []int64{1, 2, 7, 1000, 4097, 1<<20 + 3, 10_000_000}
	chunkSizes := []int64{0, 3, 4096, 1 << 20}
	for _, total := range totals {
		for conc := 1; conc <= 9; conc++ {
			for _, size := range chunkSizes {
				if size > 0 && total/size > 100_000 {
					continue
				}
				policy := Policy{Concurrency: conc, ChunkSize: size, MinChunkSize: 1}
				chunks, err := Plan(rangedDesc(total), policy, nil)
				if err != nil {
					t.Fatalf("Plan(%d, %+v): %v", total, policy, err)
				}
				if err := ValidatePartition(chunks, total); err != nil {
					t.Fatalf("Plan(%d, %+v) does not partition: %v", total, policy, err)
				}
				if size > 0 {
					if want := (total + size - 1) / size; int64(len(chunks)) != want {
						t.Errorf("Plan(%d, size %d) = %d chunks, want %d", total, size, len(chunks), want)
					}
				} else if len(chunks) > conc {
					t.Errorf("Plan(%d, conc %d) = %d chunks, more than concurrency", total, conc, len(chunks))
				}
			}
		}
	}
}

func TestPlanRespectsMinChunkSize(t *testing.T) {
	chunks, err := Plan(rangedDesc(3<<20), Policy{Concurrency: 16, MinChunkSize: 1 << 20}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Errorf("got %d chunks, want 3", len(chunks))
	}
}

func TestPlanSingleChunkWithoutRanges(t *testing.T) {
	desc := &probe.Descriptor{TotalLength: 5000, AcceptRanges: false}
	chunks, err := Plan(desc, Policy{Concurrency: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Start != 0 || chunks[0].End != 5000 {
		t.Fatalf("got %v, want one [0,5000) chunk", chunks)
	}

	unknown := &probe.Descriptor{TotalLength: -1}
	chunks, err = Plan(unknown, Policy{Concurrency: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Bounded() {
		t.Fatalf("got %v, want one open-ended chunk", chunks)
	}
}

func TestPlanEmptyResource(t *testing.T) {
	chunks, err := Plan(rangedDesc(0), Policy{Concurrency: 4}, nil)
	if err != nil || len(chunks) != 0 {
		t.Fatalf("Plan(0) = %v, %v; want no chunks", chunks, err)
	}
}

func TestPlanFromManifest(t *testing.T) {
	m := resume.NewManifest("k", "u", 300, "etag:x", []resume.ChunkRecord{
		{Start: 0, End: 100, State: resume.StateComplete, Written: 100, Attempts: 1},
		{Start: 100, End: 200, State: resume.StateInProgress, Written: 30, Attempts: 2},
		{Start: 200, End: 300, State: resume.StateFailed, Written: 5, Attempts: 5},
	})
	chunks, err := Plan(rangedDesc(300), Policy{Concurrency: 1}, m)
	if err != nil {
		t.Fatal(err)
	}
	if chunks[0].State != ChunkComplete {
		t.Errorf("chunk 0 state = %s, want complete", chunks[0].State)
	}
	for _, c := range chunks[1:] {
		if c.State != ChunkPending || c.Attempts != 0 {
			t.Errorf("%v: state %s attempts %d, want pending with reset attempts", c, c.State, c.Attempts)
		}
	}
	if chunks[1].Written != 30 || chunks[2].Written != 5 {
		t.Errorf("written offsets not preserved: %d %d", chunks[1].Written, chunks[2].Written)
	}
}

func TestPlanRejectsBrokenManifest(t *testing.T) {
	m := resume.NewManifest("k", "u", 300, "", []resume.ChunkRecord{
		{Start: 0, End: 100, State: resume.StatePending},
		{Start: 150, End: 300, State: resume.StatePending},
	})
	_, err := Plan(rangedDesc(300), Policy{Concurrency: 2}, m)
	var planErr *PlanError
	if !errors.As(err, &planErr) {
		t.Fatalf("err = %v, want *PlanError", err)
	}
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	for attempt, base := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	} {
		for i := 0; i < 20; i++ {
			d := p.Delay(attempt)
			if d < base/2 || d >= base*3/2 {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v)", attempt, d, base/2, base*3/2)
			}
		}
	}
	if d := (RetryPolicy{}).Delay(3); d != 0 {
		t.Errorf("zero policy Delay = %v, want 0", d)
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&StatusError{Code: 503}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 408}, true},
		{&StatusError{Code: 404}, false},
		{&StatusError{Code: 416}, false},
		{ErrRangeRejected, true},
		{ErrRangeMismatch, true},
		{ErrResourceChanged, false},
		{&writeError{err: errors.New("disk full")}, false},
		{errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
