package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a change triggers a reload.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a catalog directory whenever one of its documents changes.
// Bursts of events collapse into a single reload.
type Watcher struct {
	dir      string
	loader   *Loader
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	debounce *Debouncer

	// OnReload, when set, receives every reload outcome.
	OnReload func(*Report, error)

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for dir. interval <= 0 means DefaultDebounce.
func NewWatcher(dir string, loader *Loader, interval time.Duration, logger *slog.Logger) (*Watcher, error) {
	if interval <= 0 {
		interval = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		loader:   loader,
		logger:   logger,
		fsw:      fsw,
		debounce: NewDebouncer(interval),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks until ctx is cancelled or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("catalog watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.doneCh)

	if err := w.addTree(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("catalog watcher started", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("catalog watcher stopped", "reason", ctx.Err())
			return nil
		case <-w.stopCh:
			w.logger.Info("catalog watcher stopped")
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("catalog watcher events channel closed")
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("catalog watcher cannot follow directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug("catalog change detected", "path", ev.Name, "op", ev.Op.String())
			w.debounce.Trigger(func() { w.reload(ctx) })
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("catalog watcher errors channel closed")
			}
			w.logger.Error("catalog watcher error", "error", err)
		}
	}
}

// Stop ends Watch and releases the fsnotify handle. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if running {
			<-w.doneCh
		}
		w.debounce.Stop()
		if cerr := w.fsw.Close(); cerr != nil {
			err = fmt.Errorf("close fsnotify watcher: %w", cerr)
		}
	})
	return err
}

func (w *Watcher) reload(ctx context.Context) {
	report, err := w.loader.LoadDir(ctx, w.dir)
	if err != nil {
		w.logger.Error("catalog reload failed", "dir", w.dir, "error", err)
	} else {
		for path, msg := range report.Failed {
			w.logger.Warn("catalog document rejected", "path", path, "error", msg)
		}
	}
	if w.OnReload != nil {
		w.OnReload(report, err)
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// relevant drops chmod events, hidden files and non-document files.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	return hasExtension(ev.Name)
}

// Debouncer runs the most recent callback once no Trigger has arrived for
// the configured interval.
type Debouncer struct {
	interval time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
}

// NewDebouncer creates a Debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any pending one.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		cb := d.callback
		stopped := d.stopped
		d.callback = nil
		d.mu.Unlock()
		if cb != nil && !stopped {
			cb()
		}
	})
}

// Stop cancels any pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
