package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/doccache-mcp/internal/searcher"
)

var (
	searchPath     string
	searchDir      string
	searchLimit    int
	searchMinScore float64
	searchJSON     bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Rank cached chunks against a natural language query",
	Long: `Embeds the query with the configured provider and ranks every chunk under the
working directory (or --dir) that carries an embedding from the same model.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchPath, "path", "p", ".", "working directory")
	searchCmd.Flags().StringVar(&searchDir, "dir", "", "only rank chunks under this subdirectory")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", searcher.DefaultLimit, "maximum number of results")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "drop results scoring below this similarity")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	workDir, err := workDirArg([]string{searchPath})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := openCache(ctx, workDir, true)
	if err != nil {
		return err
	}
	defer closeCache(c)

	limit := cfg.Search.DefaultLimit
	if cmd.Flags().Changed("limit") {
		limit = searchLimit
	}

	s := searcher.NewWithRetry(c, c.Embedder(), cfg.RetryPolicy())
	resp, err := s.Search(ctx, searcher.SearchRequest{
		Query:     args[0],
		Directory: searchDir,
		Limit:     limit,
		MinScore:  searchMinScore,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		return printJSON(cmd, resp.Results)
	}

	if len(resp.Results) == 0 {
		cmd.Println("No results found.")
		if resp.Candidates > 0 && resp.Embedded == 0 {
			cmd.Printf("None of %d chunks is embedded with %s; run `doccache reconcile --embed`.\n", resp.Candidates, resp.Model)
		}
		return nil
	}

	for _, r := range resp.Results {
		heading := strings.Join(r.HeadingPath, " > ")
		if heading == "" {
			heading = "(preamble)"
		}
		cmd.Printf("[%d] %s  %s  (%.3f)\n", r.Rank, r.SourcePath, heading, r.Score)
		cmd.Printf("    %s\n", snippet(r.Content, 160))
	}
	return nil
}

// snippet collapses whitespace and truncates to max runes
func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
