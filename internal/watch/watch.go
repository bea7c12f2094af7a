// Package watch notices when the container of the open book changes on
// disk. Bursts of events are folded into one callback after a quiet period.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("watcher closed")

// Config configures a Watcher.
type Config struct {
	Logger *slog.Logger
	// Debounce is the quiet period before OnChange fires (default 250ms).
	Debounce time.Duration
	// OnChange receives the watched path. It runs on the watcher goroutine's
	// timer and may block.
	OnChange func(path string)
}

// Watcher follows a single path at a time. Files are watched through their
// parent directory so that atomic replacements (write temp, rename) are seen.
type Watcher struct {
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange func(string)

	mu     sync.Mutex
	target string // cleaned path being followed
	dir    string // directory registered with fsnotify
	isDir  bool
	timer  *time.Timer
	closed bool

	done chan struct{}
}

// New starts a watcher with nothing registered.
func New(cfg Config) (*Watcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		logger:   logger.With("component", "watch"),
		fsw:      fsw,
		debounce: debounce,
		onChange: cfg.OnChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch replaces the followed path.
func (w *Watcher) Watch(path string) error {
	path = filepath.Clean(path)
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	dir := path
	if !fi.IsDir() {
		dir = filepath.Dir(path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.unwatchLocked()
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.target, w.dir, w.isDir = path, dir, fi.IsDir()
	w.logger.Debug("watching", "path", path)
	return nil
}

// Unwatch stops following the current path and drops a pending callback.
func (w *Watcher) Unwatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked()
}

func (w *Watcher) unwatchLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.dir != "" {
		// The directory may already be gone.
		_ = w.fsw.Remove(w.dir)
	}
	w.target, w.dir, w.isDir = "", "", false
}

// Watching returns the followed path, or "".
func (w *Watcher) Watching() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}

// Close stops the watcher. Pending callbacks are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.unwatchLocked()
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	name := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.target == "" {
		return
	}
	if !w.isDir && name != w.target {
		return
	}
	if w.isDir && name != w.target && filepath.Dir(name) != w.target {
		return
	}

	target := w.target
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(target) })
}

func (w *Watcher) fire(target string) {
	w.mu.Lock()
	if w.closed || w.target != target {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	fn := w.onChange
	w.mu.Unlock()

	w.logger.Info("container changed", "path", target)
	if fn != nil {
		fn(target)
	}
}
