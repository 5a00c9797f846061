// Package scheduler runs several transfers at once and reports each one to
// an output manager.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tanq16/splitfetch/internal/output"
	"github.com/tanq16/splitfetch/internal/transfer"
	"github.com/tanq16/splitfetch/internal/utils"
)

type Job struct {
	Target transfer.Target
	// Label is shown in the output; defaults to the target URL.
	Label string
}

// Runner performs one transfer, forwarding progress snapshots to onProgress.
type Runner func(ctx context.Context, target transfer.Target, onProgress func(transfer.Progress)) (*transfer.Result, error)

// Run processes jobs with numWorkers concurrent transfers and returns the
// number of jobs that failed. Jobs not yet started when ctx is cancelled
// count as failures.
func Run(ctx context.Context, jobs []Job, numWorkers int, run Runner, outputMgr *output.Manager) int {
	log := utils.GetLogger("scheduler")
	numWorkers = max(1, min(numWorkers, len(jobs)))

	jobCh := make(chan Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	outputMgr.StartDisplay()
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processJobs(ctx, jobCh, run, outputMgr)
		}(i)
	}
	wg.Wait()
	outputMgr.StopDisplay()

	_, failed := outputMgr.Counts()
	log.Debug().Str("op", "run").Int("jobs", len(jobs)).Int("failed", failed).Msg("Scheduler finished")
	return failed
}

func processJobs(ctx context.Context, jobCh <-chan Job, run Runner, outputMgr *output.Manager) {
	log := utils.GetLogger("scheduler")
	for job := range jobCh {
		label := job.Label
		if label == "" {
			label = job.Target.URL
		}
		id := outputMgr.Register(label)
		if err := ctx.Err(); err != nil {
			outputMgr.ReportError(id, err)
			continue
		}
		outputMgr.SetStatus(id, output.StatusActive)
		outputMgr.SetMessage(id, "Downloading "+label)

		res, err := run(ctx, job.Target, func(p transfer.Progress) {
			outputMgr.UpdateProgress(id, p)
		})
		if err != nil {
			outputMgr.SetMessage(id, "Failed "+label)
			outputMgr.ReportError(id, err)
			log.Debug().Err(err).Str("op", "job").Str("url", job.Target.URL).Msg("Job failed")
			continue
		}
		msg := fmt.Sprintf("Downloaded %s (%s in %s)", res.Path, utils.FormatBytes(uint64(max(res.Bytes, 0))), res.Elapsed.Round(10*time.Millisecond))
		switch {
		case res.PersistenceDegraded:
			outputMgr.Warn(id, msg+", resume state could not be saved")
		case res.RangeFallback:
			outputMgr.Warn(id, msg+", server ignored ranges")
		default:
			outputMgr.Complete(id, msg)
		}
	}
}
