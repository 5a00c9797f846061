package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Concurrency != 8 {
		t.Errorf("expected default concurrency 8, got %d", cfg.Concurrency)
	}
	if cfg.MinChunkSize != 1<<20 {
		t.Errorf("expected default min chunk size 1MB, got %d", cfg.MinChunkSize)
	}
	if cfg.Retry.Attempts != 5 || cfg.Retry.Backoff != 500*time.Millisecond || cfg.Retry.MaxBackoff != 30*time.Second {
		t.Errorf("unexpected default retry config %+v", cfg.Retry)
	}
	if !cfg.AllowUnknownLength {
		t.Error("expected unknown lengths to be allowed by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
concurrency: 16
chunk_size: 8MB
workers: 3
allow_unknown_length: false
checkpoint_interval: 2s
metrics_listen: 127.0.0.1:9100
retry:
  attempts: 10
  backoff: 2s
  max_backoff: 1m
http:
  timeout: 30s
  user_agent: custom/1.0
  proxy: http://proxy.local:3128
  headers:
    X-Team: infra
resume:
  s3:
    bucket: manifests
    prefix: splitfetch
    region: eu-west-1
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Concurrency != 16 || cfg.Workers != 3 {
		t.Errorf("concurrency/workers = %d/%d, want 16/3", cfg.Concurrency, cfg.Workers)
	}
	if cfg.ChunkSize != 8<<20 {
		t.Errorf("chunk size = %d, want 8MB", cfg.ChunkSize)
	}
	if cfg.AllowUnknownLength {
		t.Error("expected allow_unknown_length false")
	}
	if cfg.CheckpointInterval != 2*time.Second {
		t.Errorf("checkpoint interval = %v, want 2s", cfg.CheckpointInterval)
	}
	if cfg.ProgressInterval != 100*time.Millisecond {
		t.Errorf("progress interval = %v, want default 100ms", cfg.ProgressInterval)
	}
	if cfg.Retry.Attempts != 10 || cfg.Retry.Backoff != 2*time.Second || cfg.Retry.MaxBackoff != time.Minute {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.HTTP.Timeout != 30*time.Second || cfg.HTTP.UserAgent != "custom/1.0" {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if cfg.HTTP.ProxyMode != "custom" || cfg.HTTP.Headers["X-Team"] != "infra" {
		t.Errorf("proxy mode %q headers %v", cfg.HTTP.ProxyMode, cfg.HTTP.Headers)
	}
	if cfg.Resume.S3Bucket != "manifests" || cfg.Resume.S3Prefix != "splitfetch" || cfg.Resume.S3Region != "eu-west-1" {
		t.Errorf("resume = %+v", cfg.Resume)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	cc := cfg.ClientConfig()
	if cc.ProxyURL != "http://proxy.local:3128" || !cc.HighThreadMode {
		t.Errorf("client config = %+v", cc)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFromFile(writeFile(t, "bad.yaml", "chunk_size: lots\n")); err == nil {
		t.Error("expected error for bad chunk size")
	}
	if _, err := LoadFromFile(writeFile(t, "bad.yaml", "retry:\n  backoff: soon\n")); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SPLITFETCH_CONCURRENCY", "4")
	t.Setenv("SPLITFETCH_CHUNK_SIZE", "256KB")
	t.Setenv("SPLITFETCH_RETRY_BACKOFF", "250ms")
	t.Setenv("SPLITFETCH_NO_RESUME", "1")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Concurrency != 4 || cfg.ChunkSize != 256<<10 {
		t.Errorf("concurrency %d chunk size %d", cfg.Concurrency, cfg.ChunkSize)
	}
	if cfg.Retry.Backoff != 250*time.Millisecond || !cfg.Resume.Disabled {
		t.Errorf("backoff %v disabled %v", cfg.Retry.Backoff, cfg.Resume.Disabled)
	}

	t.Setenv("SPLITFETCH_CONCURRENCY", "many")
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("expected error for non-numeric concurrency")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"negative chunk size", func(c *Config) { c.ChunkSize = -1 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }},
		{"backoff above max", func(c *Config) { c.Retry.Backoff = time.Hour }},
		{"custom proxy without url", func(c *Config) { c.HTTP.ProxyMode = "custom" }},
		{"unknown proxy mode", func(c *Config) { c.HTTP.ProxyMode = "socks" }},
		{"dir and bucket", func(c *Config) {
			c.Resume.Dir = "/tmp"
			c.Resume.S3Bucket = "b"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestReadDownloadList(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		path := writeFile(t, "list.yaml", `
- link: https://example.com/a.iso
  op: downloads/a.iso
  checksum: sha256:abcd
- link: https://example.com/b.tar
- op: nowhere
`)
		entries, err := ReadDownloadList(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Fatalf("got %d entries, want 2", len(entries))
		}
		if entries[0].OutputPath != "downloads/a.iso" || entries[0].Checksum != "sha256:abcd" {
			t.Errorf("entry 0 = %+v", entries[0])
		}
		if entries[1].Link != "https://example.com/b.tar" || entries[1].OutputPath != "" {
			t.Errorf("entry 1 = %+v", entries[1])
		}
	})

	t.Run("sections", func(t *testing.T) {
		path := writeFile(t, "sections.yaml", `
https:
  - link: https://example.com/one
  - link: https://example.com/two
mirrors:
  - link: https://mirror.example.com/three
    op: three.bin
`)
		entries, err := ReadDownloadList(path)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"https://example.com/one", "https://example.com/two", "https://mirror.example.com/three"}
		if len(entries) != len(want) {
			t.Fatalf("got %d entries, want %d", len(entries), len(want))
		}
		for i, link := range want {
			if entries[i].Link != link {
				t.Errorf("entry %d link = %q, want %q", i, entries[i].Link, link)
			}
		}
	})

	t.Run("scalar", func(t *testing.T) {
		if _, err := ReadDownloadList(writeFile(t, "scalar.yaml", "just a string\n")); err == nil {
			t.Error("expected error for scalar document")
		}
	})
}
