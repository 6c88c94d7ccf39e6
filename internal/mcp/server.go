package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/doccache-mcp/internal/cache"
	"github.com/dshills/doccache-mcp/internal/config"
	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/searcher"
)

const (
	// ServerName is the MCP server name
	ServerName = "doccache-mcp"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Options configures a Server
type Options struct {
	Config *config.Config

	// Embedder overrides the provider built from Config.Embedding
	Embedder embedder.Embedder
	Logger   *slog.Logger
}

// workspace is the open cache of one working directory and its searcher
type workspace struct {
	cache    *cache.Cache
	searcher *searcher.Searcher
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	cfg      *config.Config
	embedder embedder.Embedder
	logger   *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*workspace
}

// NewServer creates a new MCP server instance
func NewServer(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// One embedder shared by every cache and searcher so the LRU cache is shared too
	emb := opts.Embedder
	if emb == nil {
		var err error
		emb, err = embedder.New(cfg.EmbedderConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
	}

	s := &Server{
		mcp:        server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		cfg:        cfg,
		embedder:   emb,
		logger:     logger,
		workspaces: make(map[string]*workspace),
	}

	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	defer func() { _ = s.Close() }()
	s.logger.Info("serving MCP on stdio", "provider", s.embedder.Provider(), "model", s.embedder.Model())
	return server.ServeStdio(s.mcp)
}

// Close checkpoints and closes every open cache
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for dir, ws := range s.workspaces {
		if err := ws.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
		}
		delete(s.workspaces, dir)
	}
	return errors.Join(errs...)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(reconcileDirectoryTool(), s.handleReconcileDirectory)
	s.mcp.AddTool(searchChunksTool(), s.handleSearchChunks)
	s.mcp.AddTool(verifyCacheTool(), s.handleVerifyCache)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}

// workspaceFor returns the open cache for workDir, opening it on first use
func (s *Server) workspaceFor(ctx context.Context, workDir string) (*workspace, error) {
	key, err := cache.NewStoreKey(workDir)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ws, ok := s.workspaces[key.WorkDir]; ok {
		return ws, nil
	}

	c, err := cache.Open(ctx, s.cfg.CacheOptions(key, s.embedder, s.logger))
	if err != nil {
		return nil, err
	}
	ws := &workspace{
		cache:    c,
		searcher: searcher.NewWithRetry(c, s.embedder, s.cfg.RetryPolicy()),
	}
	s.workspaces[key.WorkDir] = ws
	s.logger.Debug("opened cache", "work_dir", key.WorkDir, "store", c.Dir())
	return ws, nil
}
