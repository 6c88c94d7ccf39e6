package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/doccache-mcp/internal/cache"
	"github.com/dshills/doccache-mcp/internal/watcher"
)

var (
	watchEmbed    bool
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch [workdir]",
	Short: "Keep the chunk cache in sync with file system changes",
	Long: `Runs a full reconcile, then watches the working directory and reconciles changed,
created and deleted files after a quiet period.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchEmbed, "embed", false, "embed new chunks after each flush (default from config embedding.auto)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "quiet period before changes are reconciled (default from config)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	workDir, err := workDirArg(args)
	if err != nil {
		return err
	}

	embed := cfg.Embedding.Auto
	if cmd.Flags().Changed("embed") {
		embed = watchEmbed
	}
	debounce := cfg.Watch.Debounce
	if watchDebounce > 0 {
		debounce = watchDebounce
	}

	ctx := cmd.Context()
	c, err := openCache(ctx, workDir, embed)
	if err != nil {
		return err
	}
	defer closeCache(c)

	summary, err := c.ReconcileDirectory(ctx, "", cache.PassOptions{Embed: embed})
	if err != nil {
		return fmt.Errorf("initial reconcile failed: %w", err)
	}
	cmd.Printf("Initial reconcile: %d files, %d changed\n", summary.FilesScanned, summary.Changed)

	w, err := watcher.New(c, watcher.Options{
		Debounce: debounce,
		Embed:    embed,
		Logger:   logger,
		OnFlush: func(r watcher.FlushReport) {
			logger.Info("changes reconciled",
				"files", r.Files, "directories", r.Directories, "changed", r.Changed, "failures", len(r.Failures))
		},
	})
	if err != nil {
		return err
	}

	cmd.Printf("Watching %s (Ctrl-C to stop)\n", workDir)
	return w.Run(ctx)
}
