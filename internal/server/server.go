package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/zot/load-later/internal/config"
	"github.com/zot/load-later/internal/manifest"
	"github.com/zot/load-later/internal/plugin"
	"github.com/zot/load-later/internal/registry"
	"github.com/zot/load-later/internal/watch"
)

// LiveReloadID is the id attribute of the live-reload client script.
const LiveReloadID = "load-later-livereload"

// Server renders script footers into pages.
type Server struct {
	config       *config.Config
	escaper      *registry.Escaper
	plugins      *plugin.Runtime
	reload       *ReloadHub
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
	hotLoader    *watch.HotLoader

	manifest *manifest.Manifest
	mu       sync.RWMutex
}

// New creates a server and loads the manifest and plugins. Load problems
// are logged; the server starts with whatever loaded.
func New(cfg *config.Config) *Server {
	s := &Server{
		config:  cfg,
		escaper: registry.NewEscaper(cfg.Escape.Protocols...),
		plugins: plugin.NewRuntime(cfg, cfg.PluginsDir()),
		reload:  NewReloadHub(cfg),
	}

	if err := s.ReloadManifest(); err != nil {
		cfg.Log(0, "Warning: %v", err)
	}
	if err := s.plugins.Load(); err != nil {
		cfg.Log(0, "Warning: %v", err)
	}

	s.httpEndpoint = NewHTTPEndpoint(cfg, s.PageRegistry, s.NewRegistry, s.reload)
	return s
}

// NewRegistry returns an empty registry using the configured protocols.
func (s *Server) NewRegistry() *registry.Registry {
	return registry.New(registry.WithEscaper(s.escaper))
}

// PageRegistry builds the registry for one page render: manifest entries
// first, then plugins, then the live-reload client.
func (s *Server) PageRegistry(ctx context.Context, page plugin.Page) *registry.Registry {
	reg := s.NewRegistry()
	n := s.Manifest().Apply(reg, page.Path)
	s.config.Log(3, "Server: %d manifest entries for %s", n, page.Path)

	if err := s.plugins.Run(ctx, reg, page); err != nil {
		s.config.Log(0, "Warning: %v", err)
	}
	if s.config.Site.LiveReload {
		reg.AfterLoad(LiveReloadPath, registry.Attrs("id", LiveReloadID))
	}
	return reg
}

// Manifest returns the current manifest, which may be nil.
func (s *Server) Manifest() *manifest.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest
}

// Plugins returns the plugin runtime.
func (s *Server) Plugins() *plugin.Runtime {
	return s.plugins
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// ReloadManifest rereads the manifest. A missing file clears it; a broken
// one keeps the previous manifest and returns the error.
func (s *Server) ReloadManifest() error {
	file := s.config.ManifestPath()
	if file == "" {
		return nil
	}

	m, err := manifest.Load(file)
	if errors.Is(err, fs.ErrNotExist) {
		s.config.Log(1, "Server: no manifest at %s", file)
		m, err = nil, nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.manifest = m
	s.mu.Unlock()
	if m != nil {
		s.config.Log(1, "Server: loaded %d manifest entries from %s", m.Len(), file)
	}
	return nil
}

// Start serves HTTP on the configured port and, with live reload on,
// starts watching the manifest and plugins.
func (s *Server) Start() error {
	if s.config.Site.LiveReload {
		if err := s.Watch(); err != nil {
			s.config.Log(0, "Warning: live reload disabled: %v", err)
		}
	}
	_, err := s.StartHTTP(s.config.Server.Port)
	return err
}

// StartHTTP starts the HTTP server on the specified port and returns its
// base URL. Port 0 picks a free port.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpEndpoint,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// Watch hot-reloads the manifest and plugins, telling connected pages to
// reload after each change.
func (s *Server) Watch() error {
	h, err := watch.NewHotLoader(s.config)
	if err != nil {
		return err
	}

	if file := s.config.ManifestPath(); file != "" {
		err := h.Add(watch.Target{Path: file, OnChange: func(string) {
			if err := s.ReloadManifest(); err != nil {
				s.config.Log(0, "Warning: keeping previous manifest: %v", err)
				return
			}
			s.reload.Broadcast(ReloadMessage)
		}})
		if err != nil {
			h.Stop()
			return fmt.Errorf("watching manifest: %w", err)
		}
	}

	if dir := s.plugins.Dir(); dir != "" {
		err := h.Add(watch.Target{Path: dir, Extensions: []string{".lua"}, OnChange: func(string) {
			if err := s.plugins.Load(); err != nil {
				s.config.Log(0, "Warning: keeping previous plugins: %v", err)
				return
			}
			s.reload.Broadcast(ReloadMessage)
		}})
		if err != nil {
			s.config.Log(1, "Server: not watching plugins: %v", err)
		}
	}

	h.Start()
	s.hotLoader = h
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hotLoader != nil {
		s.hotLoader.Stop()
	}
	s.reload.Close()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
