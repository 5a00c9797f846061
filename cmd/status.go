package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tanq16/splitfetch/internal/output"
	"github.com/tanq16/splitfetch/internal/resume"
	"github.com/tanq16/splitfetch/internal/utils"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status PATH",
		Short: "Show the resume state of an interrupted download",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				output.PrintError(err.Error())
				exit(1)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				output.PrintError(err.Error())
				exit(1)
			}
			cfg.Resume.Disabled = false
			ctx := context.Background()
			store, err := newStore(ctx, cfg.Resume)
			if err != nil {
				output.PrintError(err.Error())
				exit(1)
			}
			m, err := store.Load(ctx, abs)
			if err != nil {
				output.PrintError(fmt.Sprintf("Could not read manifest: %v", err))
				exit(1)
			}
			if m == nil {
				output.PrintInfo("No resume state for " + abs)
				return
			}
			printManifest(m)
		},
	}
}

func printManifest(m *resume.Manifest) {
	output.PrintHeader(m.Key)
	output.PrintDetail(fmt.Sprintf("  url       %s", m.URL))
	output.PrintDetail(fmt.Sprintf("  size      %s (%d bytes)", utils.FormatBytes(uint64(m.TotalLength)), m.TotalLength))
	if m.Identity != "" {
		output.PrintDetail(fmt.Sprintf("  identity  %s", m.Identity))
	}
	output.PrintDetail(fmt.Sprintf("  session   %s, updated %s", m.SessionID, m.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
	fmt.Println()
	fmt.Println(output.FDebug(fmt.Sprintf("  %-5s %-27s %-12s %-21s %s", "chunk", "range", "state", "written", "attempts")))
	for i, c := range m.Chunks {
		size := c.End - c.Start
		fmt.Printf("  %-5d %-27s %s%s %-21s %d\n",
			i,
			fmt.Sprintf("%d-%d", c.Start, c.End-1),
			output.FState(string(c.State)),
			strings.Repeat(" ", max(0, 12-len(c.State))),
			fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(c.Written)), utils.FormatBytes(uint64(size))),
			c.Attempts)
	}
	fmt.Println()
	done := m.CompletedBytes()
	percent := 0.0
	if m.TotalLength > 0 {
		percent = float64(done) / float64(m.TotalLength) * 100
	}
	output.PrintInfo(fmt.Sprintf("  %d of %d chunks complete, %s of %s (%.1f%%)",
		m.CompletedChunks(), len(m.Chunks), utils.FormatBytes(uint64(done)), utils.FormatBytes(uint64(m.TotalLength)), percent))
}
