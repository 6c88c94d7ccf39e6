package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/doccache-mcp/internal/cache"
	"github.com/dshills/doccache-mcp/pkg/types"
)

var (
	reconcileDir   string
	reconcileEmbed bool
	reconcileJSON  bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [workdir]",
	Short: "Bring the chunk cache up to date with the files on disk",
	Long: `Scans the working directory (or --dir beneath it), re-chunks every file whose
content changed, removes sources that no longer exist and optionally embeds new chunks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileDir, "dir", "", "subdirectory to reconcile, relative to the working directory")
	reconcileCmd.Flags().BoolVar(&reconcileEmbed, "embed", false, "generate missing embeddings (default from config embedding.auto)")
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "output the summary as JSON")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	workDir, err := workDirArg(args)
	if err != nil {
		return err
	}

	embed := cfg.Embedding.Auto
	if cmd.Flags().Changed("embed") {
		embed = reconcileEmbed
	}

	ctx := cmd.Context()
	c, err := openCache(ctx, workDir, embed)
	if err != nil {
		return err
	}
	defer closeCache(c)

	summary, err := c.ReconcileDirectory(ctx, reconcileDir, cache.PassOptions{Embed: embed})
	if err != nil {
		if errors.Is(err, types.ErrReconcileInProgress) {
			return fmt.Errorf("%s: %w", workDir, err)
		}
		return fmt.Errorf("reconcile failed: %w", err)
	}

	if reconcileJSON {
		return printJSON(cmd, summary)
	}

	cmd.Printf("Scanned %d files (%d bytes): %d changed, %d unchanged, %d removed\n",
		summary.FilesScanned, summary.BytesScanned, summary.Changed, summary.Unchanged, summary.SourcesRemoved)
	cmd.Printf("Chunks added: %d, orphans removed: %d (%s)\n",
		summary.ChunksAdded, summary.OrphansRemoved, summary.Duration.Round(time.Millisecond))
	if e := summary.Embeddings; e != nil {
		cmd.Printf("Embeddings: %d generated, %d already present, %d skipped, %d failed (%d provider calls)\n",
			e.Generated, e.AlreadyPresent, e.Skipped, len(e.Failed), e.ProviderCalls)
	}
	if summary.EmbeddingError != "" {
		cmd.Printf("Embedding error: %s\n", summary.EmbeddingError)
	}
	for _, f := range summary.Failures {
		cmd.Printf("  failed %s: %s\n", f.SourcePath, f.Error)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
