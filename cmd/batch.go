package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/splitfetch/internal/config"
	"github.com/tanq16/splitfetch/internal/output"
	"github.com/tanq16/splitfetch/internal/scheduler"
	"github.com/tanq16/splitfetch/internal/transfer"
)

// maxTotalConnections caps connections across parallel batch transfers.
const maxTotalConnections = 64

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Download every link listed in a YAML file",
		Long: `Download every link listed in a YAML file. The file is either a list
of entries or a map of section names to lists:

  - link: https://example.com/file.iso
    op: downloads/file.iso
    checksum: sha256:...`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				output.PrintError(err.Error())
				exit(1)
			}
			entries, err := config.ReadDownloadList(args[0])
			if err != nil {
				output.PrintError(fmt.Sprintf("Error reading batch file: %v", err))
				exit(1)
			}
			jobs := buildJobs(entries, cfg)
			if len(jobs) == 0 {
				output.PrintError("No valid jobs found in the batch file")
				exit(1)
			}

			ctx, stop := signalContext()
			defer stop()
			eng, err := newEngine(ctx, cfg)
			if err != nil {
				output.PrintError(err.Error())
				exit(1)
			}
			failed := scheduler.Run(ctx, jobs, cfg.Workers, eng.run, output.NewManager(nil))
			exitOnFailure(ctx, failed)
		},
	}
}

func buildJobs(entries []config.DownloadEntry, cfg config.Config) []scheduler.Job {
	perLink := cfg.Concurrency
	if cfg.Workers*perLink > maxTotalConnections {
		perLink = max(maxTotalConnections/cfg.Workers, 1)
	}
	jobs := make([]scheduler.Job, 0, len(entries))
	for _, e := range entries {
		if err := validateURL(e.Link); err != nil {
			output.PrintWarning(fmt.Sprintf("Skipping entry: %v", err))
			continue
		}
		label := e.OutputPath
		if label == "" {
			label = e.Link
		}
		jobs = append(jobs, scheduler.Job{
			Label: label,
			Target: transfer.Target{
				URL:         e.Link,
				Dest:        e.OutputPath,
				Concurrency: perLink,
				ChunkSize:   cfg.ChunkSize,
				Checksum:    e.Checksum,
			},
		})
	}
	return jobs
}
