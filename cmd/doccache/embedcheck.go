package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/doccache-mcp/internal/embedder"
)

const sampleText = "doccache embedding provider check"

var embedCheckCmd = &cobra.Command{
	Use:   "embed-check",
	Short: "Embed a sample text with the configured provider and report the result",
	Args:  cobra.NoArgs,
	RunE:  runEmbedCheck,
}

func init() {
	rootCmd.AddCommand(embedCheckCmd)
}

func runEmbedCheck(cmd *cobra.Command, _ []string) error {
	emb, err := embedder.New(cfg.EmbedderConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}
	defer func() { _ = emb.Close() }()

	cmd.Printf("Provider: %s\n", emb.Provider())
	cmd.Printf("Model:    %s\n", emb.Model())

	start := time.Now()
	result, err := embedder.Retry(cmd.Context(), cfg.RetryPolicy(), func(ctx context.Context) (*embedder.Embedding, error) {
		return embedder.Embed(ctx, emb, sampleText)
	})
	if err != nil {
		if pe, ok := embedder.AsProviderError(err); ok {
			return fmt.Errorf("provider check failed (%s): %w", pe.Kind, err)
		}
		return fmt.Errorf("provider check failed: %w", err)
	}

	if result.Dimension != emb.Dimension() {
		return fmt.Errorf("dimension mismatch: got %d, provider reports %d", result.Dimension, emb.Dimension())
	}
	cmd.Printf("Dimension: %d\n", result.Dimension)
	cmd.Printf("Latency:   %s\n", time.Since(start).Round(time.Millisecond))
	cmd.Println("OK")
	return nil
}
