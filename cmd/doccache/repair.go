package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var repairJSON bool

var repairCmd = &cobra.Command{
	Use:   "repair [workdir]",
	Short: "Verify manifest and chunk store consistency and fix what is broken",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRepair,
}

func init() {
	repairCmd.Flags().BoolVar(&repairJSON, "json", false, "output the report as JSON")
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	workDir, err := workDirArg(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := openCache(ctx, workDir, false)
	if err != nil {
		return err
	}
	defer closeCache(c)

	report, err := c.VerifyAndRepair(ctx)
	if err != nil {
		return fmt.Errorf("repair failed: %w", err)
	}

	if repairJSON {
		return printJSON(cmd, report)
	}

	if report.Empty() {
		cmd.Printf("Cache is consistent (%d references checked)\n", report.Checked)
		return nil
	}
	cmd.Printf("Checked %d references\n", report.Checked)
	for _, ref := range report.DanglingRefs {
		cmd.Printf("  dangling %s %s: %s\n", ref.SourcePath, ref.ChunkID, ref.Reason)
	}
	for _, ref := range report.DuplicateRefs {
		cmd.Printf("  duplicate %s %s: %s\n", ref.SourcePath, ref.ChunkID, ref.Reason)
	}
	if n := len(report.OrphansDeleted); n > 0 {
		cmd.Printf("  deleted %d orphaned chunks\n", n)
	}
	return nil
}
