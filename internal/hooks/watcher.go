package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher tails the hook status directory with fsnotify and delivers
// parsed events on a channel. Rapid rewrites of the same file are
// debounced; the latest content wins.
type Watcher struct {
	statusDir string
	watcher   *fsnotify.Watcher
	eventCh   chan Event
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewWatcher creates a watcher over statusDir, creating the directory if
// needed. Call Start in a goroutine, then read from Events().
func NewWatcher(statusDir string) (*Watcher, error) {
	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		statusDir: statusDir,
		watcher:   fsw,
		eventCh:   make(chan Event, 64),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Events returns the delivery channel.
func (w *Watcher) Events() <-chan Event {
	return w.eventCh
}

// Start blocks, watching the directory until Stop is called.
func (w *Watcher) Start() {
	if err := w.watcher.Add(w.statusDir); err != nil {
		hookLog.Warn("watcher_add_failed",
			slog.String("dir", w.statusDir),
			slog.String("error", err.Error()))
		return
	}

	var debounceTimer *time.Timer
	pendingFiles := make(map[string]bool)
	var pendingMu sync.Mutex

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Only completed .json writes; .tmp files are mid-rename.
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			pendingMu.Lock()
			pendingFiles[event.Name] = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(100*time.Millisecond, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pendingFiles))
				for f := range pendingFiles {
					files = append(files, f)
				}
				pendingFiles = make(map[string]bool)
				pendingMu.Unlock()

				for _, f := range files {
					w.processFile(f)
				}
			})
			pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			hookLog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
}

func (w *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		hookLog.Warn("event_file_malformed", slog.String("path", path))
		return
	}
	if ev.Session == "" {
		ev.Session = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	select {
	case w.eventCh <- ev:
		hookLog.Debug("event_delivered",
			slog.String("session", ev.Session),
			slog.String("event", ev.Event))
	default:
		hookLog.Warn("event_channel_full", slog.String("session", ev.Session))
	}
}
