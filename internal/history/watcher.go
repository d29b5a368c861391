package history

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
)

// Watcher observes the CLI session file directories and publishes
// history-changed bus events so connected clients can re-pull. Writes are
// debounced per session because CLIs append line by line.
type Watcher struct {
	bus      bus.EventBus
	logger   *logger.Logger
	debounce time.Duration
	roots    []string

	mu       sync.Mutex
	pending  map[string]*time.Timer
	watcher  *fsnotify.Watcher
	watched  map[string]bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewWatcher creates a watcher over the given base directories. Directories
// that do not exist yet are picked up when they appear under a watched root.
func NewWatcher(eventBus bus.EventBus, debounce time.Duration, log *logger.Logger, roots ...string) *Watcher {
	return &Watcher{
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "history-watcher")),
		debounce: debounce,
		roots:    roots,
		pending:  make(map[string]*time.Timer),
		watched:  make(map[string]bool),
		stopped:  make(chan struct{}),
	}
}

// Start begins watching. It returns immediately; events flow until Stop or
// context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	for _, root := range w.roots {
		if root == "" {
			continue
		}
		w.addTree(root)
	}

	go w.run(ctx)
	return nil
}

// addTree watches a directory and its immediate subdirectories. Session
// files live one level below the base dir, in per-cwd directories.
func (w *Watcher) addTree(root string) {
	w.addDir(root)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addDir(filepath.Join(root, entry.Name()))
		}
	}
}

func (w *Watcher) addDir(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Debug("cannot watch directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	w.watched[dir] = true
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopped:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addDir(event.Name)
			return
		}
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	sessionID := SessionIDFromFilename(event.Name)
	if sessionID == "" {
		return
	}
	w.schedule(ctx, sessionID)
}

// schedule arms (or re-arms) the per-session debounce timer.
func (w *Watcher) schedule(ctx context.Context, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[sessionID]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[sessionID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, sessionID)
		w.mu.Unlock()
		w.publish(ctx, sessionID)
	})
}

func (w *Watcher) publish(ctx context.Context, sessionID string) {
	select {
	case <-w.stopped:
		return
	default:
	}
	subject := events.BuildHistoryChangedSubject(sessionID)
	payload := map[string]string{"sessionId": sessionID}
	if err := w.bus.Publish(ctx, subject, bus.NewEvent(events.HistoryChanged, "history-watcher", payload)); err != nil {
		w.logger.Warn("failed to publish history change", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Stop ends watching and cancels pending debounce timers.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		w.mu.Lock()
		for id, timer := range w.pending {
			timer.Stop()
			delete(w.pending, id)
		}
		w.mu.Unlock()
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}

// SessionIDFromFilename extracts the session id from a session file name.
// Claude files are <sessionID>.jsonl; Pi files are <timestamp>_<sessionID>.jsonl.
func SessionIDFromFilename(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".jsonl") {
		return ""
	}
	name := strings.TrimSuffix(base, ".jsonl")
	if idx := strings.LastIndex(name, "_"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
