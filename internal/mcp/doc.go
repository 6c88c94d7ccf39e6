// Package mcp implements the Model Context Protocol (MCP) server for doccache.
//
// The MCP server exposes four tools to AI coding assistants:
//   - reconcile_directory: Bring the chunk cache of a working directory up to date
//   - search_chunks: Rank cached chunks against a natural language query
//   - verify_cache: Check and repair manifest/store consistency
//   - get_status: Cache statistics and embedding coverage
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started via the serve command:
//
//	doccache serve
//
// Every tool takes the absolute path of a working directory. The first call
// for a path opens its store under the configured cache root and keeps it
// open until the server exits; all tools for that path share the handle.
//
// # Tool: reconcile_directory
//
//	Request:
//	{
//	  "name": "reconcile_directory",
//	  "arguments": {
//	    "path": "/path/to/docs",
//	    "directory": "guides",
//	    "embed": true
//	  }
//	}
//
//	Response:
//	{
//	  "files_scanned": 42,
//	  "changed": 3,
//	  "unchanged": 39,
//	  "sources_removed": 1,
//	  "chunks_added": 11,
//	  "orphans_removed": 9,
//	  "embeddings": {"requested": 11, "generated": 11, "provider_calls": 1}
//	}
//
// # Tool: search_chunks
//
//	Request:
//	{
//	  "name": "search_chunks",
//	  "arguments": {
//	    "path": "/path/to/docs",
//	    "query": "how do I rotate credentials",
//	    "limit": 5
//	  }
//	}
//
// Results carry rank, score, source path, heading path and content. Only
// chunks embedded by the current model take part in ranking.
//
// # Error Handling
//
// Failures are returned as JSON-RPC errors:
//   - -32602: Invalid params (missing path, relative path, bad limit)
//   - -32603: Internal error (store, filesystem)
//   - -32002: A directory pass is already running for this path
//   - -32004: Empty query
//   - -32005: No embedding provider
//   - -32006: Query embedding failed at the provider
//
// # Logging
//
// The server logs with log/slog to stderr; stdout is reserved for the protocol.
package mcp
