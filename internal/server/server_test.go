package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/load-later/internal/config"
	"github.com/zot/load-later/internal/registry"
)

const testManifest = `
[[defer]]
url = "https://cdn.example.com/app.js"
attributes = { id = "app" }

[[after_load]]
url = "https://example.com/comments.js"
pages = ["/blog/*"]
`

const appTag = "<script defer id='app' src='https://cdn.example.com/app.js'></script>\n"

func writeSiteFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	file := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0755))
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))
}

func newTestServer(t *testing.T, liveReload bool) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	writeSiteFile(t, dir, "html/index.html", "<!DOCTYPE html><html><body><h1>Home</h1></body></html>")
	writeSiteFile(t, dir, "html/blog/post.html", "<html><body><p>Post</p></body></html>")
	writeSiteFile(t, dir, "html/style.css", "body{}")
	writeSiteFile(t, dir, "scripts.toml", testManifest)
	writeSiteFile(t, dir, "plugins/chat.lua", `
if loadlater.page.query.chat == "1" then
  loadlater.after_load("/js/chat.js")
end
`)

	cfg := config.DefaultConfig()
	cfg.Server.Dir = dir
	cfg.Server.Host = "127.0.0.1"
	cfg.Site.LiveReload = liveReload
	cfg.Site.Debounce = config.Duration(20 * time.Millisecond)
	cfg.SetLogOutput(io.Discard)

	s := New(cfg)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, dir
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestPageRendersFooter(t *testing.T) {
	s, _ := newTestServer(t, false)

	w := get(t, s.Handler(), "/blog/post.html")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	_, err := uuid.Parse(w.Header().Get(RenderIDHeader))
	assert.NoError(t, err)

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "<html><body><p>Post</p>"+appTag), body)
	assert.True(t, strings.HasSuffix(body, "</script>\n</body></html>"), body)
	assert.Contains(t, body, "https://example.com/comments.js")
	assert.Equal(t, 1, strings.Count(body, "window.addEventListener('load'"))
}

func TestPageGlobsRestrictEntries(t *testing.T) {
	s, _ := newTestServer(t, false)

	w := get(t, s.Handler(), "/")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "<!DOCTYPE html><html><body><h1>Home</h1>"+appTag+"</body></html>", body)
}

func TestPagePluginSeesQuery(t *testing.T) {
	s, _ := newTestServer(t, false)

	assert.NotContains(t, get(t, s.Handler(), "/index.html").Body.String(), "/js/chat.js")
	assert.Contains(t, get(t, s.Handler(), "/index.html?chat=1").Body.String(), "/js/chat.js")
}

func TestRenderIDsDiffer(t *testing.T) {
	s, _ := newTestServer(t, false)
	a := get(t, s.Handler(), "/").Header().Get(RenderIDHeader)
	b := get(t, s.Handler(), "/").Header().Get(RenderIDHeader)
	assert.NotEqual(t, a, b)
}

func TestStaticFile(t *testing.T) {
	s, _ := newTestServer(t, false)

	w := get(t, s.Handler(), "/style.css")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body{}", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/css")
	assert.Empty(t, w.Header().Get(RenderIDHeader))
}

func TestMissingPage(t *testing.T) {
	s, _ := newTestServer(t, false)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/nope.html").Code)
}

func TestAPIRender(t *testing.T) {
	s, _ := newTestServer(t, false)

	body, err := json.Marshal(RenderRequest{
		Defer:     []registry.Registration{{URL: "https://example.com/a.js", Attributes: registry.Attrs("id", "a")}},
		AfterLoad: []registry.Registration{{URL: "https://example.com/b.js"}},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/render", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp RenderResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.RenderID)
	assert.Equal(t, "<script defer id='a' src='https://example.com/a.js'></script>\n", resp.Deferred)
	assert.Contains(t, resp.AfterLoad, "https://example.com/b.js")
	assert.NotContains(t, resp.AfterLoad, "cdn.example.com", "manifest entries are not applied")
}

func TestAPIRenderBadJSON(t *testing.T) {
	s, _ := newTestServer(t, false)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/render", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid JSON")
}

func TestAPIRenderBodyLimit(t *testing.T) {
	s, _ := newTestServer(t, false)

	padding := strings.Repeat("x", MaxRenderBody)
	body := `{"defer":[{"url":"/a.js","attributes":{"data-pad":"` + padding + `"}}]}`
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/render", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "too large")
}

func TestAPIRenderKeepsAttributeOrder(t *testing.T) {
	s, _ := newTestServer(t, false)

	body := `{"defer":[{"url":"/a.js","attributes":{"z":"1","a":"2","async":true}}]}`
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/render", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp RenderResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "<script defer z='1' a='2' async='true' src='/a.js'></script>\n", resp.Deferred)
}

func TestAPIScripts(t *testing.T) {
	s, _ := newTestServer(t, false)

	w := get(t, s.Handler(), "/api/scripts?page=/blog/post.html")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ScriptsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "/blog/post.html", resp.Page)
	assert.Equal(t, []registry.Registration{{URL: "https://cdn.example.com/app.js", Attributes: registry.Attrs("id", "app")}}, resp.Defer)
	require.Len(t, resp.AfterLoad, 1)
	assert.Equal(t, "https://example.com/comments.js", resp.AfterLoad[0].URL)
}

func TestLiveReloadClient(t *testing.T) {
	s, _ := newTestServer(t, true)

	assert.Contains(t, get(t, s.Handler(), "/").Body.String(), LiveReloadPath)

	w := get(t, s.Handler(), LiveReloadPath)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, w.Body.String(), "/ws/reload")
}

func TestLiveReloadOff(t *testing.T) {
	s, _ := newTestServer(t, false)
	assert.NotContains(t, get(t, s.Handler(), "/").Body.String(), LiveReloadPath)
}

func dialReload(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/reload", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return s.reload.Count() == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestReloadHubBroadcast(t *testing.T) {
	s, _ := newTestServer(t, true)
	conn := dialReload(t, s)

	s.reload.Broadcast(ReloadMessage)
	assert.Equal(t, ReloadMessage, readMessage(t, conn, time.Second))
}

func TestReloadManifestKeepsPrevious(t *testing.T) {
	s, dir := newTestServer(t, false)
	require.Equal(t, 2, s.Manifest().Len())

	writeSiteFile(t, dir, "scripts.toml", "[[defer]\nurl =")
	assert.Error(t, s.ReloadManifest())
	assert.Equal(t, 2, s.Manifest().Len())

	require.NoError(t, os.Remove(filepath.Join(dir, "scripts.toml")))
	assert.NoError(t, s.ReloadManifest())
	assert.Nil(t, s.Manifest())
	assert.Equal(t, "<!DOCTYPE html><html><body><h1>Home</h1></body></html>", get(t, s.Handler(), "/").Body.String())
}

func TestWatchReloadsManifest(t *testing.T) {
	s, dir := newTestServer(t, true)
	require.NoError(t, s.Watch())
	conn := dialReload(t, s)

	writeSiteFile(t, dir, "scripts.toml", `
[[defer]]
url = "/js/new.js"
`)
	assert.Equal(t, ReloadMessage, readMessage(t, conn, 3*time.Second))
	assert.Equal(t, 1, s.Manifest().Len())
	assert.Contains(t, get(t, s.Handler(), "/").Body.String(), "<script defer src='/js/new.js'></script>")
}

func TestWatchReloadsPlugins(t *testing.T) {
	s, dir := newTestServer(t, true)
	require.NoError(t, s.Watch())
	conn := dialReload(t, s)

	writeSiteFile(t, dir, "plugins/extra.lua", `loadlater.defer("/js/extra.js")`)
	assert.Equal(t, ReloadMessage, readMessage(t, conn, 3*time.Second))
	assert.Equal(t, []string{"chat", "extra"}, s.Plugins().Plugins())
}

func TestStartHTTP(t *testing.T) {
	s, _ := newTestServer(t, false)

	base, err := s.StartHTTP(0)
	require.NoError(t, err)
	assert.NotZero(t, s.config.Server.Port)

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RenderIDHeader))
}
