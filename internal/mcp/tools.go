package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/doccache-mcp/internal/cache"
	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/searcher"
	"github.com/dshills/doccache-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams          = -32602 // Invalid method parameters
	ErrorCodeInternalError          = -32603 // Internal JSON-RPC error
	ErrorCodeReconcileInProgress    = -32002 // Another directory pass is running on the same cache
	ErrorCodeEmptyQuery             = -32004 // Query parameter is empty
	ErrorCodeEmbeddingUnavailable   = -32005 // No embedding provider is configured
	ErrorCodeEmbeddingProviderError = -32006 // The provider rejected or failed the query embedding
)

// handleReconcileDirectory handles the reconcile_directory tool invocation
func (s *Server) handleReconcileDirectory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, path, err := pathArgs(request)
	if err != nil {
		return nil, err
	}

	directory := getStringDefault(args, "directory", "")
	embed := getBoolDefault(args, "embed", s.cfg.Embedding.Auto)

	ws, err := s.workspaceFor(ctx, path)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to open cache", map[string]interface{}{
			"error": err.Error(),
		})
	}

	summary, err := ws.cache.ReconcileDirectory(ctx, directory, cache.PassOptions{Embed: embed})
	if errors.Is(err, types.ErrReconcileInProgress) {
		return nil, newMCPError(ErrorCodeReconcileInProgress, "reconciliation already in progress", map[string]interface{}{
			"path": path,
		})
	}
	if errors.Is(err, types.ErrNotDirectory) {
		return nil, newMCPError(ErrorCodeInvalidParams, "directory must name a directory", map[string]interface{}{
			"param": "directory",
			"value": directory,
		})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "reconciliation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	ws.searcher.InvalidateCache()

	response := map[string]interface{}{
		"path":            path,
		"directory":       directory,
		"files_scanned":   summary.FilesScanned,
		"bytes_scanned":   summary.BytesScanned,
		"changed":         summary.Changed,
		"unchanged":       summary.Unchanged,
		"sources_removed": summary.SourcesRemoved,
		"chunks_added":    summary.ChunksAdded,
		"orphans_removed": summary.OrphansRemoved,
		"duration_ms":     summary.Duration.Milliseconds(),
	}
	if summary.Embeddings != nil {
		response["embeddings"] = summary.Embeddings
	}
	if summary.EmbeddingError != "" {
		response["embedding_error"] = summary.EmbeddingError
	}
	if n := len(summary.Failures); n > 0 {
		// Include first few failures
		if n > 5 {
			response["failures"] = summary.Failures[:5]
		} else {
			response["failures"] = summary.Failures
		}
		response["failure_count"] = n
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSearchChunks handles the search_chunks tool invocation
func (s *Server) handleSearchChunks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, path, err := pathArgs(request)
	if err != nil {
		return nil, err
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", s.cfg.Search.DefaultLimit)
	if limit < 1 || limit > searcher.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("limit must be between 1 and %d", searcher.MaxLimit), map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	minScore := getFloatDefault(args, "min_score", 0)
	if minScore < -1 || minScore > 1 {
		return nil, newMCPError(ErrorCodeInvalidParams, "min_score must be between -1 and 1", map[string]interface{}{
			"param": "min_score",
			"value": minScore,
		})
	}

	ws, err := s.workspaceFor(ctx, path)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to open cache", map[string]interface{}{
			"error": err.Error(),
		})
	}

	resp, err := ws.searcher.Search(ctx, searcher.SearchRequest{
		Query:     query,
		Directory: getStringDefault(args, "directory", ""),
		Limit:     limit,
		MinScore:  minScore,
		UseCache:  true,
		CacheTTL:  s.cfg.Search.CacheTTL,
	})
	switch {
	case errors.Is(err, searcher.ErrEmptyQuery):
		return nil, newMCPError(ErrorCodeEmptyQuery, err.Error(), nil)
	case errors.Is(err, types.ErrEmbeddingUnavailable):
		return nil, newMCPError(ErrorCodeEmbeddingUnavailable, "no embedding provider configured", nil)
	case err != nil:
		if _, isProvider := embedder.AsProviderError(err); isProvider {
			return nil, newMCPError(ErrorCodeEmbeddingProviderError, "query embedding failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"results":       resp.Results,
		"total_results": resp.TotalResults,
		"candidates":    resp.Candidates,
		"embedded":      resp.Embedded,
		"model":         resp.Model,
		"cache_hit":     resp.CacheHit,
		"duration_ms":   resp.Duration.Milliseconds(),
	}
	if resp.Candidates > 0 && resp.Embedded == 0 {
		response["message"] = "No chunks carry embeddings from the current model. Run reconcile_directory with embed=true."
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleVerifyCache handles the verify_cache tool invocation
func (s *Server) handleVerifyCache(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, path, err := pathArgs(request)
	if err != nil {
		return nil, err
	}

	ws, err := s.workspaceFor(ctx, path)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to open cache", map[string]interface{}{
			"error": err.Error(),
		})
	}

	report, err := ws.cache.VerifyAndRepair(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "verify and repair failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if !report.Empty() {
		ws.searcher.InvalidateCache()
	}

	response := map[string]interface{}{
		"path":            path,
		"checked":         report.Checked,
		"clean":           report.Empty(),
		"dangling_refs":   nonNil(report.DanglingRefs),
		"duplicate_refs":  nonNil(report.DuplicateRefs),
		"orphans_deleted": nonNil(report.OrphansDeleted),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, path, err := pathArgs(request)
	if err != nil {
		return nil, err
	}

	ws, err := s.workspaceFor(ctx, path)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to open cache", map[string]interface{}{
			"error": err.Error(),
		})
	}

	stats, err := ws.cache.Stats(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"indexed":      stats.Sources > 0,
		"statistics":   stats,
		"search_cache": ws.searcher.CacheLen(),
	}
	if stats.Sources == 0 {
		response["message"] = "Nothing cached yet. Use reconcile_directory to populate the cache."
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// pathArgs extracts the arguments map and the validated path parameter
func pathArgs(request mcp.CallToolRequest) (map[string]interface{}, string, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, "", newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, "", newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}

	if err := validatePath(path); err != nil {
		return nil, "", newMCPError(ErrorCodeInvalidParams, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}
	return args, filepath.Clean(path), nil
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// validatePath checks if a path exists and is a readable directory
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}

	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}

	if !info.IsDir() {
		return ErrNotDirectory
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()

	return nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// nonNil keeps empty lists as [] in responses
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getFloatDefault extracts a number parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)
