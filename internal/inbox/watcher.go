// Package inbox turns filesystem writes into queued sync mutations. It
// watches a directory laid out as <root>/<entityType>/<entityID>.json; writes
// and removals become enqueued update/delete events after a short debounce,
// so external tools can feed the engine by dropping files.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/markstash/markstash/internal/syncengine"
)

// Mutator is the slice of the engine the inbox needs.
type Mutator interface {
	EnqueueMutation(entityType syncengine.EntityType, entityID string, kind syncengine.EventKind, payload json.RawMessage) (syncengine.SyncEvent, error)
}

type Config struct {
	// DebounceInterval is how long to wait before processing a change, so
	// rapid rewrites of the same file collapse into one mutation.
	DebounceInterval time.Duration
	Logger           syncengine.Logger
}

func DefaultConfig() Config {
	return Config{DebounceInterval: 100 * time.Millisecond}
}

type Watcher struct {
	root    string
	mutator Mutator
	config  Config

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	known   map[string]bool
}

var entityDirs = []syncengine.EntityType{
	syncengine.EntityBookmark,
	syncengine.EntityCollection,
	syncengine.EntityUser,
}

func New(root string, mutator Mutator, config Config) (*Watcher, error) {
	root = strings.TrimSpace(root)
	if root == "" || mutator == nil {
		return nil, errors.New("inbox root and mutator are required")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = nopLogger{}
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		root:    filepath.Clean(root),
		mutator: mutator,
		config:  config,
		watcher: fsWatcher,
		pending: map[string]time.Time{},
		known:   map[string]bool{},
	}
	for _, entity := range entityDirs {
		dir := filepath.Join(w.root, string(entity))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = fsWatcher.Close()
			return nil, err
		}
		if err := fsWatcher.Add(dir); err != nil {
			_ = fsWatcher.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.watchEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		w.flushLoop(ctx)
	}()

	<-ctx.Done()
	err := w.watcher.Close()
	wg.Wait()
	return err
}

func (w *Watcher) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			w.queueChange(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("inbox watcher error: %v", err)
		}
	}
}

func (w *Watcher) queueChange(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = time.Now()
}

func (w *Watcher) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	now := time.Now()
	ready := make([]string, 0, len(w.pending))
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, path := range ready {
		if err := w.processChange(path); err != nil {
			w.config.Logger.Printf("inbox: failed to process %s: %v", path, err)
		}
	}
}

func (w *Watcher) processChange(path string) error {
	entityType, entityID, err := w.parsePath(path)
	if err != nil {
		return err
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if !errors.Is(readErr, os.ErrNotExist) {
			return readErr
		}
		w.mu.Lock()
		delete(w.known, path)
		w.mu.Unlock()
		_, err := w.mutator.EnqueueMutation(entityType, entityID, syncengine.EventDelete, nil)
		return err
	}

	if !json.Valid(data) {
		return fmt.Errorf("not valid JSON")
	}
	w.mu.Lock()
	seen := w.known[path]
	w.known[path] = true
	w.mu.Unlock()

	kind := syncengine.EventCreate
	if seen {
		kind = syncengine.EventUpdate
	}
	_, err = w.mutator.EnqueueMutation(entityType, entityID, kind, json.RawMessage(data))
	return err
}

func (w *Watcher) parsePath(path string) (syncengine.EntityType, string, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("unexpected inbox path %s", rel)
	}
	entityType := syncengine.EntityType(parts[0])
	switch entityType {
	case syncengine.EntityBookmark, syncengine.EntityCollection, syncengine.EntityUser:
	default:
		return "", "", fmt.Errorf("unknown entity directory %q", parts[0])
	}
	entityID := strings.TrimSuffix(parts[1], ".json")
	if entityID == "" {
		return "", "", fmt.Errorf("empty entity id in %s", rel)
	}
	return entityType, entityID, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
