// Package mcp exposes reconciliation sessions as MCP tools over stdio. It requires no
// external databases: referrals come from a CSV file and sessions are archived in SQLite.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	litecfg "github.com/irt-reconciliation-engine/internal/config"
	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/importer"
	"github.com/irt-reconciliation-engine/internal/ledger"
	"github.com/irt-reconciliation-engine/internal/service"
	"github.com/irt-reconciliation-engine/internal/session"
)

const (
	serverName    = "irt-reconciliation-mcp"
	serverVersion = "v1.0.0"
)

// toolFunc handles one tool call given its raw JSON arguments.
type toolFunc func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

type toolDef struct {
	tool   *mcp.Tool
	handle toolFunc
}

// LiteServer is a lightweight MCP server that requires no external databases.
type LiteServer struct {
	config     *litecfg.LiteConfig
	mcpServer  *mcp.Server
	source     domain.CandidateSource
	candidates *service.CachedCandidateSource
	sessions   *session.Manager
	archive    ledger.Store
	logger     *logrus.Logger
	tools      map[string]toolDef
}

// LiteServerOption is a functional option for LiteServer.
type LiteServerOption func(*LiteServer) error

// WithArchive sets a custom session archive.
func WithArchive(store ledger.Store) LiteServerOption {
	return func(s *LiteServer) error {
		s.archive = store
		return nil
	}
}

// WithCandidateSource replaces the CSV referral file as the upstream candidate source.
func WithCandidateSource(source domain.CandidateSource) LiteServerOption {
	return func(s *LiteServer) error {
		s.source = source
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) LiteServerOption {
	return func(s *LiteServer) error {
		s.logger = logger
		return nil
	}
}

// NewLiteServer creates a new lightweight MCP server instance.
func NewLiteServer(cfg *litecfg.LiteConfig, opts ...LiteServerOption) (*LiteServer, error) {
	server := &LiteServer{
		config: cfg,
		logger: logrus.New(),
	}

	if cfg.LogFormat == "text" {
		server.logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		server.logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	server.logger.SetLevel(level)

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if server.source == nil {
		server.source = importer.NewCSVCandidateSource(cfg.ReferralsPath(), server.logger)
	}
	server.candidates = service.NewCachedCandidateSource(server.source, nil, service.CandidateCacheConfig{
		MemoryTTL: cfg.CacheTTL,
		MaxItems:  cfg.CacheMaxItems,
	}, server.logger)

	if server.archive == nil {
		store, err := ledger.NewSQLiteStore(cfg.ArchiveDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to create session archive: %w", err)
		}
		server.archive = store
	}

	engine := service.NewMatchEngine(server.logger, service.WithICFTolerance(cfg.ICFToleranceDays))
	server.sessions = session.NewManager(engine, server.candidates, server.logger)

	server.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	server.registerTools()

	server.logger.Info("Lite server initialized successfully")
	return server, nil
}

// registerTools registers every reconciliation tool with the MCP SDK.
func (s *LiteServer) registerTools() {
	s.tools = make(map[string]toolDef)
	for _, def := range s.toolDefs() {
		def := def
		s.tools[def.tool.Name] = def
		s.mcpServer.AddTool(def.tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			s.logger.WithField("tool", def.tool.Name).Info("Tool invoked")
			return def.handle(ctx, req.Params.Arguments)
		})
		s.logger.WithField("tool_name", def.tool.Name).Debug("Registered MCP tool")
	}
	s.logger.WithField("tool_count", len(s.tools)).Info("Successfully registered all tools")
}

// Call invokes a registered tool directly, bypassing the transport.
func (s *LiteServer) Call(ctx context.Context, name string, args interface{}) (*mcp.CallToolResult, error) {
	def, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	return def.handle(ctx, raw)
}

// ToolNames lists the registered tools.
func (s *LiteServer) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for _, def := range s.toolDefs() {
		names = append(names, def.tool.Name)
	}
	return names
}

// Start runs the server over stdio until ctx is cancelled or the client disconnects.
func (s *LiteServer) Start(ctx context.Context) error {
	s.logger.Info("Starting IRT Reconciliation MCP Server (Lite)...")

	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Close cleans up server resources.
func (s *LiteServer) Close() error {
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close session archive")
			return err
		}
	}
	return nil
}

// Archive returns the session archive for external access.
func (s *LiteServer) Archive() ledger.Store {
	return s.archive
}
