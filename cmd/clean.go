package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tanq16/splitfetch/internal/output"
	"github.com/tanq16/splitfetch/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [PATH]",
		Short: "Remove working files and resume manifests",
		Long: `Remove working files and resume manifests. PATH is either an output
file, whose own working file and manifest are removed, or a directory, whose
whole temp directory is removed. Defaults to the current directory.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			target := "."
			if len(args) > 0 {
				target = args[0]
			}
			abs, err := filepath.Abs(target)
			if err != nil {
				output.PrintError(err.Error())
				exit(1)
			}
			if info, err := os.Stat(abs); err == nil && info.IsDir() {
				if err := utils.CleanDir(abs); err != nil {
					output.PrintError(fmt.Sprintf("Error cleaning %s: %v", abs, err))
					exit(1)
				}
				output.PrintSuccess("Temporary files cleaned up in " + abs)
				return
			}

			if err := utils.Clean(abs); err != nil {
				output.PrintError(fmt.Sprintf("Error cleaning %s: %v", abs, err))
				exit(1)
			}
			// Manifests kept outside the temp dir live in the configured store.
			cfg, err := loadConfig(cmd)
			if err == nil && !cfg.Resume.Disabled && (cfg.Resume.Dir != "" || cfg.Resume.S3Bucket != "") {
				store, err := newStore(context.Background(), cfg.Resume)
				if err == nil {
					err = store.Discard(context.Background(), abs)
				}
				if err != nil {
					output.PrintWarning(fmt.Sprintf("Could not remove stored manifest: %v", err))
				}
			}
			output.PrintSuccess("Temporary files cleaned up for " + abs)
		},
	}
}
