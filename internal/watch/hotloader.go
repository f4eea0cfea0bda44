// Package watch provides debounced file hot-loading.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zot/load-later/internal/config"
)

// ChangeFunc is called with the path of a changed file once it has been
// quiet for the debounce delay.
type ChangeFunc func(path string)

// Target is something to watch: a single file or every file in a
// directory with one of the given extensions.
type Target struct {
	Path       string
	Extensions []string // Only used for directories; empty means all files
	OnChange   ChangeFunc
}

// HotLoader watches targets for file changes and calls their callbacks.
type HotLoader struct {
	config  *config.Config
	watcher *fsnotify.Watcher
	targets []Target

	watchedDirs map[string]int // dir path -> reference count
	mu          sync.Mutex

	// Debouncing
	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewHotLoader creates a hot loader. Call Add for each target, then Start.
func NewHotLoader(cfg *config.Config) (*HotLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	delay := cfg.Site.Debounce.Duration()
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	return &HotLoader{
		config:         cfg,
		watcher:        watcher,
		watchedDirs:    make(map[string]int),
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  delay,
		done:           make(chan struct{}),
	}, nil
}

// Add registers a target. Files are watched through their directory so
// that editors replacing the file are still seen. A missing directory is
// an error.
func (h *HotLoader) Add(t Target) error {
	t.Path = filepath.Clean(t.Path)
	dir := t.Path
	if info, err := os.Stat(t.Path); err != nil || !info.IsDir() {
		dir = filepath.Dir(t.Path)
	}
	if err := h.addWatch(dir); err != nil {
		return err
	}
	h.mu.Lock()
	h.targets = append(h.targets, t)
	h.mu.Unlock()
	return nil
}

// Start begins watching for file changes.
func (h *HotLoader) Start() {
	go h.eventLoop()
	go h.debounceLoop()
	h.config.Log(1, "HotLoader: watching %d targets", len(h.targets))
}

// Stop stops the hot loader.
func (h *HotLoader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.done)
		err = h.watcher.Close()
	})
	return err
}

// eventLoop processes file system events.
func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.config.Log(1, "HotLoader: watcher error: %v", err)
		}
	}
}

// handleEvent queues a reload for events that touch a target.
func (h *HotLoader) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if h.match(event.Name) == nil {
		return
	}
	h.config.Log(3, "HotLoader: event %s on %s", event.Op, event.Name)
	h.queueReload(event.Name)
}

// match returns the target a changed path belongs to, or nil.
func (h *HotLoader) match(name string) *Target {
	name = filepath.Clean(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.targets {
		t := &h.targets[i]
		if name == t.Path {
			return t
		}
		if filepath.Dir(name) == t.Path && hasExtension(name, t.Extensions) {
			return t
		}
	}
	return nil
}

func hasExtension(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	for _, ext := range exts {
		if strings.EqualFold(filepath.Ext(name), ext) {
			return true
		}
	}
	return false
}

// queueReload queues a file for reload with debouncing.
func (h *HotLoader) queueReload(filePath string) {
	h.debounceMu.Lock()
	h.pendingReloads[filePath] = time.Now()
	h.debounceMu.Unlock()
}

// debounceLoop processes pending reloads after the debounce delay.
func (h *HotLoader) debounceLoop() {
	ticker := time.NewTicker(h.debounceDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.processPendingReloads()
		}
	}
}

// processPendingReloads fires callbacks for files that have been pending
// for longer than debounceDelay.
func (h *HotLoader) processPendingReloads() {
	h.debounceMu.Lock()
	now := time.Now()
	var toReload []string
	for path, queuedAt := range h.pendingReloads {
		if now.Sub(queuedAt) >= h.debounceDelay {
			toReload = append(toReload, path)
			delete(h.pendingReloads, path)
		}
	}
	h.debounceMu.Unlock()

	for _, path := range toReload {
		if t := h.match(path); t != nil && t.OnChange != nil {
			h.config.Log(1, "HotLoader: reloading %s", path)
			t.OnChange(path)
		}
	}
}

// addWatch adds a directory to the watch list.
func (h *HotLoader) addWatch(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.watchedDirs[dir]++
	if h.watchedDirs[dir] == 1 {
		if err := h.watcher.Add(dir); err != nil {
			h.watchedDirs[dir]--
			delete(h.watchedDirs, dir)
			return err
		}
		h.config.Log(2, "HotLoader: added watch for %s", dir)
	}
	return nil
}
