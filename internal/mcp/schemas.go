package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// reconcileDirectoryTool returns the tool definition for reconcile_directory
func reconcileDirectoryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "reconcile_directory",
		Description: "Bring the chunk cache of a documentation tree up to date with the files on disk",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the working directory whose cache is reconciled",
				},
				"directory": map[string]interface{}{
					"type":        "string",
					"description": "Subdirectory relative to path to limit the pass to (default: whole tree)",
				},
				"embed": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, generate missing embeddings for the reconciled chunks",
				},
			},
			Required: []string{"path"},
		},
	}
}

// searchChunksTool returns the tool definition for search_chunks
func searchChunksTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_chunks",
		Description: "Rank cached documentation chunks by semantic similarity to a natural language query",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to a reconciled working directory",
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query in natural language",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"directory": map[string]interface{}{
					"type":        "string",
					"description": "Only rank chunks from files under this subdirectory",
				},
				"min_score": map[string]interface{}{
					"type":        "number",
					"description": "Minimum cosine similarity (-1.0 to 1.0)",
					"minimum":     -1.0,
					"maximum":     1.0,
				},
			},
			Required: []string{"path", "query"},
		},
	}
}

// verifyCacheTool returns the tool definition for verify_cache
func verifyCacheTool() mcp.Tool {
	return mcp.Tool{
		Name:        "verify_cache",
		Description: "Check manifest and chunk store consistency, dropping dangling references and orphaned chunks",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the working directory",
				},
			},
			Required: []string{"path"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Query cache statistics and embedding coverage for a working directory",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the working directory",
				},
			},
			Required: []string{"path"},
		},
	}
}
