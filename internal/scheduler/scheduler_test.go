package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/splitfetch/internal/output"
	"github.com/tanq16/splitfetch/internal/transfer"
)

func TestRunCountsFailures(t *testing.T) {
	jobs := []Job{
		{Target: transfer.Target{URL: "http://example.com/ok1"}},
		{Target: transfer.Target{URL: "http://example.com/bad"}, Label: "bad.bin"},
		{Target: transfer.Target{URL: "http://example.com/ok2"}},
		{Target: transfer.Target{URL: "http://example.com/degraded"}},
	}
	var mu sync.Mutex
	seen := map[string]bool{}
	var inflight, peak atomic.Int32
	run := func(ctx context.Context, target transfer.Target, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		seen[target.URL] = true
		mu.Unlock()
		onProgress(transfer.Progress{BytesCompleted: 10, TotalBytes: 20, Elapsed: time.Millisecond})
		time.Sleep(10 * time.Millisecond)
		if strings.HasSuffix(target.URL, "bad") {
			return &transfer.Result{State: transfer.StateFailed}, errors.New("server returned 404")
		}
		res := &transfer.Result{State: transfer.StateDone, Path: "/tmp/out", Bytes: 20}
		res.PersistenceDegraded = strings.HasSuffix(target.URL, "degraded")
		return res, nil
	}

	var buf bytes.Buffer
	failed := Run(context.Background(), jobs, 2, run, output.NewManager(&buf))
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if len(seen) != len(jobs) {
		t.Errorf("ran %d jobs, want %d", len(seen), len(jobs))
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds 2 workers", peak.Load())
	}
	out := buf.String()
	for _, want := range []string{"Failed bad.bin", "server returned 404", "resume state could not be saved", "Completed 3 of 4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCancelledSkipsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	run := func(ctx context.Context, target transfer.Target, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		calls.Add(1)
		return &transfer.Result{}, nil
	}
	jobs := []Job{{Target: transfer.Target{URL: "a"}}, {Target: transfer.Target{URL: "b"}}}
	failed := Run(ctx, jobs, 4, run, output.NewManager(&bytes.Buffer{}))
	if failed != 2 || calls.Load() != 0 {
		t.Errorf("failed = %d calls = %d; want 2, 0", failed, calls.Load())
	}
}
