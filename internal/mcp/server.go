// Package mcp exposes footer rendering to AI assistants over the Model
// Context Protocol.
package mcp

import (
	"context"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/load-later/internal/config"
	"github.com/zot/load-later/internal/manifest"
	"github.com/zot/load-later/internal/plugin"
	"github.com/zot/load-later/internal/registry"
)

// Host supplies registries and the current manifest.
type Host interface {
	NewRegistry() *registry.Registry
	PageRegistry(ctx context.Context, page plugin.Page) *registry.Registry
	Manifest() *manifest.Manifest
}

// Server is an MCP server backed by a Host.
type Server struct {
	config  *config.Config
	host    Host
	escaper *registry.Escaper
	mcp     *server.MCPServer
}

// NewServer creates an MCP server with the footer tools and the manifest
// resource registered.
func NewServer(cfg *config.Config, host Host, version string) *Server {
	s := &Server{
		config:  cfg,
		host:    host,
		escaper: registry.NewEscaper(cfg.Escape.Protocols...),
		mcp: server.NewMCPServer("load-later", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP on stdin and stdout until EOF.
func (s *Server) ServeStdio() error {
	s.config.Log(1, "MCP: serving on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(renderFooterTool(), s.handleRenderFooter)
	s.mcp.AddTool(listScriptsTool(), s.handleListScripts)
	s.mcp.AddTool(escapeTool(), s.handleEscape)
}

func (s *Server) registerResources() {
	s.mcp.AddResource(manifestResource(), s.handleManifest)
}

func toolError(format string, args ...any) *mcpgo.CallToolResult {
	return mcpgo.NewToolResultError(fmt.Sprintf(format, args...))
}
