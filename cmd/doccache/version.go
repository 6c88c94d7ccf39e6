package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/doccache-mcp/internal/mcp"
	"github.com/dshills/doccache-mcp/internal/storage"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	// Skip config loading
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("doccache version %s\n", version)
		cmd.Printf("Build Time: %s\n", buildTime)
		cmd.Printf("MCP Server: %s %s\n", mcp.ServerName, mcp.ServerVersion)
		cmd.Printf("Build Mode: %s, SQLite Driver: %s\n", storage.BuildMode, storage.DriverName)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
