package edgeserve

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of filesystem events an editor save
// produces into one reload.
const debounceWindow = 500 * time.Millisecond

// HotReloader watches a script's source files and triggers a reload after
// changes settle. Watching covers the parent directories of the given
// paths, since editors typically replace files rather than write in place.
type HotReloader struct {
	reload  func()
	watcher *fsnotify.Watcher
	paths   map[string]bool
	done    chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewHotReloader builds a reloader calling reload after changes to any of
// the given files settle for the debounce window.
func NewHotReloader(reload func(), paths ...string) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	h := &HotReloader{
		reload:  reload,
		watcher: watcher,
		paths:   make(map[string]bool, len(paths)),
		done:    make(chan struct{}),
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
		h.paths[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	go h.loop()
	return h, nil
}

func (h *HotReloader) loop() {
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !h.relevant(event) {
				continue
			}
			log.Printf("reload: %s changed", filepath.Base(event.Name))
			h.Trigger()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("reload: watch error: %v", err)
		case <-h.done:
			return
		}
	}
}

func (h *HotReloader) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return h.paths[abs]
}

// Trigger schedules a reload after the debounce window, restarting the
// countdown if one is already pending. N triggers inside the window produce
// exactly one reload, of whatever is on disk when it fires.
func (h *HotReloader) Trigger() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(debounceWindow, h.reload)
}

// Close stops watching. A pending debounced reload is cancelled.
func (h *HotReloader) Close() error {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
	close(h.done)
	return h.watcher.Close()
}
