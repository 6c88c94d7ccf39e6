package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/doccache-mcp/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger.Info("doccache MCP server starting", "version", version, "cache_root", cfg.CacheRoot, "backend", cfg.Backend)

	server, err := mcp.NewServer(mcp.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx := cmd.Context()
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return server.Close()
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}
