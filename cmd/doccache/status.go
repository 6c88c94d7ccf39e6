package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [workdir]",
	Short: "Show cache statistics for a working directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output statistics as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	workDir, err := workDirArg(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := openCache(ctx, workDir, true)
	if err != nil {
		return err
	}
	defer closeCache(c)

	stats, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	if statusJSON {
		return printJSON(cmd, stats)
	}

	cmd.Printf("Working directory: %s\n", stats.WorkDir)
	cmd.Printf("Store:             %s (%s)\n", stats.StoreDir, stats.Backend)
	cmd.Printf("Sources:           %d\n", stats.Sources)
	cmd.Printf("Chunks:            %d (~%d tokens)\n", stats.Chunks, stats.EstimatedTokens)
	cmd.Printf("Embedded:          %d (%s/%s)\n", stats.Embedded, stats.EmbeddingProvider, stats.EmbeddingModel)
	cmd.Printf("Pending:           %d, failed: %d, skipped: %d\n",
		stats.PendingEmbeddings, stats.FailedEmbeddings, stats.SkippedEmbeddings)
	if !stats.LastReconciled.IsZero() {
		cmd.Printf("Last reconciled:   %s\n", stats.LastReconciled.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
