package cmd

import (
	"context"
	"fmt"

	"github.com/tanq16/splitfetch/internal/config"
	"github.com/tanq16/splitfetch/internal/metrics"
	"github.com/tanq16/splitfetch/internal/resume"
	"github.com/tanq16/splitfetch/internal/transfer"
	"github.com/tanq16/splitfetch/internal/utils"
)

// engine holds what every transfer of one invocation shares.
type engine struct {
	opts transfer.Options
}

func newEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	store, err := newStore(ctx, cfg.Resume)
	if err != nil {
		return nil, err
	}

	var rec *metrics.Recorder
	if cfg.MetricsListen != "" {
		rec = metrics.NewRecorder()
		// Serve logs its own failures; transfers go on without the endpoint.
		go metrics.Serve(ctx, cfg.MetricsListen, rec)
	}

	return &engine{opts: transfer.Options{
		Client: utils.NewHTTPClient(cfg.ClientConfig()),
		Store:  store,
		Retry: transfer.RetryPolicy{
			MaxAttempts: cfg.Retry.Attempts,
			Backoff:     cfg.Retry.Backoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		MinChunkSize:       cfg.MinChunkSize,
		AllowUnknownLength: cfg.AllowUnknownLength,
		ProgressInterval:   cfg.ProgressInterval,
		CheckpointInterval: cfg.CheckpointInterval,
		IdleTimeout:        cfg.HTTP.Timeout,
		Metrics:            rec,
	}}, nil
}

// newStore returns nil when resume is disabled.
func newStore(ctx context.Context, rc config.ResumeConfig) (resume.Store, error) {
	switch {
	case rc.Disabled:
		return nil, nil
	case rc.S3Bucket != "":
		store, err := resume.NewS3Store(ctx, resume.S3Options{
			Bucket:  rc.S3Bucket,
			Prefix:  rc.S3Prefix,
			Profile: rc.S3Profile,
			Region:  rc.S3Region,
		})
		if err != nil {
			return nil, fmt.Errorf("manifest bucket: %w", err)
		}
		return store, nil
	default:
		return resume.NewFileStore(rc.Dir), nil
	}
}

func (e *engine) run(ctx context.Context, target transfer.Target, onProgress func(transfer.Progress)) (*transfer.Result, error) {
	opts := e.opts
	opts.OnProgress = onProgress
	return transfer.NewCoordinator(opts).Run(ctx, target)
}
