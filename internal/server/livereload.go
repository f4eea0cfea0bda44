package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zot/load-later/internal/config"
)

// LiveReloadPath serves the live-reload client script.
const LiveReloadPath = "/_loadlater/livereload.js"

// ReloadMessage tells connected pages to reload.
const ReloadMessage = "reload"

const liveReloadJS = `(function() {
	var proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
	var socket = new WebSocket(proto + '//' + location.host + '/ws/reload');
	socket.onmessage = function(e) {
		if (e.data === 'reload') {
			location.reload();
		}
	};
})();
`

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ReloadHub tracks live-reload websocket connections.
type ReloadHub struct {
	config      *config.Config
	connections map[*websocket.Conn]struct{}
	mu          sync.Mutex
}

// NewReloadHub creates an empty hub.
func NewReloadHub(cfg *config.Config) *ReloadHub {
	return &ReloadHub{
		config:      cfg,
		connections: make(map[*websocket.Conn]struct{}),
	}
}

// HandleWebSocket upgrades the request and keeps the connection until the
// page goes away.
func (h *ReloadHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.config.Log(1, "ReloadHub: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.connections[conn] = struct{}{}
	h.mu.Unlock()
	h.config.Log(2, "ReloadHub: page connected from %s", r.RemoteAddr)

	// Pages never send anything; reading only detects the close.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *ReloadHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.connections, conn)
	h.mu.Unlock()
	conn.Close()
}

// Count returns the number of connected pages.
func (h *ReloadHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Broadcast sends msg to every connected page, dropping pages that fail.
func (h *ReloadHub) Broadcast(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.connections {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			h.config.Log(2, "ReloadHub: dropping connection: %v", err)
			delete(h.connections, conn)
			conn.Close()
		}
	}
	h.config.Log(1, "ReloadHub: sent %q to %d pages", msg, len(h.connections))
}

// Close disconnects every page.
func (h *ReloadHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.Close()
		delete(h.connections, conn)
	}
}

// serveClient serves the live-reload client script.
func (h *ReloadHub) serveClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(liveReloadJS))
}
