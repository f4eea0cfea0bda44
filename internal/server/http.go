package server

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/zot/load-later/internal/config"
	"github.com/zot/load-later/internal/plugin"
	"github.com/zot/load-later/internal/registry"
)

// RenderIDHeader carries the render ID of a served page.
const RenderIDHeader = "X-Render-Id"

// MaxRenderBody is the largest POST /api/render body accepted.
const MaxRenderBody = 1 << 20

// PageRegistryFunc builds the script registry for one page render.
type PageRegistryFunc func(ctx context.Context, page plugin.Page) *registry.Registry

// RegistryFunc returns an empty registry.
type RegistryFunc func() *registry.Registry

// RenderRequest is the body of POST /api/render.
type RenderRequest struct {
	Defer     []registry.Registration `json:"defer"`
	AfterLoad []registry.Registration `json:"afterLoad"`
}

// RenderResponse is the result of POST /api/render.
type RenderResponse struct {
	RenderID  string `json:"renderId"`
	Deferred  string `json:"deferred"`
	AfterLoad string `json:"afterLoad"`
}

// ScriptsResponse lists the registrations a page would get.
type ScriptsResponse struct {
	Page      string                  `json:"page"`
	Defer     []registry.Registration `json:"defer"`
	AfterLoad []registry.Registration `json:"afterLoad"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPEndpoint handles HTTP requests.
type HTTPEndpoint struct {
	config       *config.Config
	pagesDir     string
	pageRegistry PageRegistryFunc
	newRegistry  RegistryFunc
	reload       *ReloadHub
	mux          *http.ServeMux
}

// NewHTTPEndpoint creates a new HTTP endpoint serving pages from the
// configured pages directory.
func NewHTTPEndpoint(cfg *config.Config, pageRegistry PageRegistryFunc, newRegistry RegistryFunc, reload *ReloadHub) *HTTPEndpoint {
	h := &HTTPEndpoint{
		config:       cfg,
		pagesDir:     cfg.PagesDir(),
		pageRegistry: pageRegistry,
		newRegistry:  newRegistry,
		reload:       reload,
		mux:          http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

// SetPagesDir sets the directory pages are served from.
func (h *HTTPEndpoint) SetPagesDir(dir string) {
	h.pagesDir = dir
}

// setupRoutes configures HTTP routes.
func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc("/", h.handlePage)
	h.mux.HandleFunc("POST /api/render", h.handleRender)
	h.mux.HandleFunc("GET /api/scripts", h.handleScripts)
	h.mux.HandleFunc("/ws/reload", h.reload.HandleWebSocket)
	h.mux.HandleFunc("GET "+LiveReloadPath, h.reload.serveClient)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handlePage renders HTML pages with their script footer and serves
// everything else as static files.
func (h *HTTPEndpoint) handlePage(w http.ResponseWriter, r *http.Request) {
	pagePath := cleanPagePath(r.URL.Path)
	file := filepath.Join(h.pagesDir, filepath.FromSlash(pagePath))
	if info, err := os.Stat(file); err == nil && info.IsDir() {
		file = filepath.Join(file, "index.html")
	}

	if !isPage(file) {
		h.serveStatic(w, r, file)
		return
	}

	data, err := os.ReadFile(file)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	renderID := uuid.NewString()
	reg := h.pageRegistry(r.Context(), plugin.Page{Path: pagePath, Query: r.URL.Query()})
	h.config.Log(2, "HTTPEndpoint: render %s for %s: %d deferred, %d after load",
		renderID, pagePath, reg.DeferLen(), reg.AfterLoadLen())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set(RenderIDHeader, renderID)
	w.Write(InjectFooter(data, reg.Render()))
}

// cleanPagePath cleans a request path, keeping a trailing slash.
func cleanPagePath(p string) string {
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func isPage(file string) bool {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// serveStatic serves a file from the pages directory.
func (h *HTTPEndpoint) serveStatic(w http.ResponseWriter, r *http.Request, file string) {
	// http.ServeFile sniffs content, which gets CSS and JS wrong
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, file)
}

// handleRender renders an explicit set of registrations.
func (h *HTTPEndpoint) handleRender(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	r.Body = http.MaxBytesReader(w, r.Body, MaxRenderBody)
	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	reg := h.newRegistry()
	for _, d := range req.Defer {
		reg.Register(d, false)
	}
	for _, a := range req.AfterLoad {
		reg.Register(a, true)
	}

	resp := RenderResponse{
		RenderID:  uuid.NewString(),
		Deferred:  reg.RenderDeferred(),
		AfterLoad: reg.RenderAfterLoad(),
	}
	h.config.Log(2, "HTTPEndpoint: render %s from API: %d deferred, %d after load",
		resp.RenderID, reg.DeferLen(), reg.AfterLoadLen())
	json.NewEncoder(w).Encode(resp)
}

// handleScripts reports the registrations for ?page=PATH without
// rendering them.
func (h *HTTPEndpoint) handleScripts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	pagePath := cleanPagePath(r.URL.Query().Get("page"))
	reg := h.pageRegistry(r.Context(), plugin.Page{Path: pagePath, Query: r.URL.Query()})
	json.NewEncoder(w).Encode(ScriptsResponse{
		Page:      pagePath,
		Defer:     reg.Deferred(),
		AfterLoad: reg.AfterLoaded(),
	})
}

// writeError writes an error response.
func (h *HTTPEndpoint) writeError(w http.ResponseWriter, message string, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}
