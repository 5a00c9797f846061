package cmd

import (
	"context"
	"os"
	"testing"

	"github.com/tanq16/splitfetch/internal/config"
)

func TestValidateURL(t *testing.T) {
	for _, raw := range []string{"https://example.com/file.iso", "http://127.0.0.1:8080/x"} {
		if err := validateURL(raw); err != nil {
			t.Errorf("validateURL(%q) = %v", raw, err)
		}
	}
	for _, raw := range []string{"", "example.com/file", "ftp://example.com/file", "https://"} {
		if err := validateURL(raw); err == nil {
			t.Errorf("validateURL(%q) accepted", raw)
		}
	}
}

func TestBuildJobsCapsConnections(t *testing.T) {
	cfg := config.Default()
	cfg.Concurrency = 32
	cfg.Workers = 4
	entries := []config.DownloadEntry{
		{Link: "https://example.com/a", OutputPath: "a.bin", Checksum: "sha256:00"},
		{Link: "not a url"},
		{Link: "https://example.com/b"},
	}
	jobs := buildJobs(entries, cfg)
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Target.Concurrency != 16 {
			t.Errorf("%s concurrency = %d, want 16", j.Label, j.Target.Concurrency)
		}
	}
	if jobs[0].Label != "a.bin" || jobs[0].Target.Checksum != "sha256:00" {
		t.Errorf("job 0 = %+v", jobs[0])
	}
	if jobs[1].Label != "https://example.com/b" || jobs[1].Target.Dest != "" {
		t.Errorf("job 1 = %+v", jobs[1])
	}
}

type closeRecorder struct{ closed int }

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestExitOnFailureClosesLog(t *testing.T) {
	var codes []int
	osExit = func(code int) { codes = append(codes, code) }
	t.Cleanup(func() {
		osExit = os.Exit
		logCloser = nil
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	tests := []struct {
		name     string
		ctx      context.Context
		failed   int
		wantCode int
	}{
		{"failures", context.Background(), 2, 1},
		{"interrupted", cancelled, 0, 130},
	}
	for _, tt := range tests {
		codes = nil
		rec := &closeRecorder{}
		logCloser = rec
		exitOnFailure(tt.ctx, tt.failed)
		if len(codes) != 1 || codes[0] != tt.wantCode {
			t.Errorf("%s: exit codes %v, want [%d]", tt.name, codes, tt.wantCode)
		}
		if rec.closed != 1 {
			t.Errorf("%s: log closed %d times, want 1", tt.name, rec.closed)
		}
	}

	codes = nil
	exitOnFailure(context.Background(), 0)
	if len(codes) != 0 {
		t.Errorf("exit called with %v for a clean run", codes)
	}
}
