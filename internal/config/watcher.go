package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// DefaultDebounce is the quiet period after the last change before a reload.
const DefaultDebounce = 100 * time.Millisecond

// ReloadFunc is called with the watched path after a change. A returned
// error is logged and passed to the error callback; the caller keeps its
// previous state.
type ReloadFunc func(path string) error

// ErrorCallback receives reload and watch errors.
type ErrorCallback func(error)

// Watcher reloads a single file when its content changes. Bursts of events
// are debounced and writes that leave the content unchanged are ignored.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	reload   ReloadFunc
	onError  ErrorCallback
	logger   observability.Logger
	debounce time.Duration

	mu          sync.Mutex
	timer       *time.Timer
	fingerprint [32]byte
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the quiet period before a reload.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = delay
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// NewWatcher creates a watcher for path. Nothing is watched until Start.
func NewWatcher(path string, reload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		path:     absPath,
		fs:       fs,
		reload:   reload,
		logger:   observability.NopLogger(),
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute watched path.
func (w *Watcher) Path() string {
	return w.path
}

// Start watches the parent directory, so editors that replace the file
// by rename are observed too. It returns at once; watching stops with ctx
// or Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return nil
	}

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	if sum, err := fingerprint(w.path); err == nil {
		w.fingerprint = sum
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
	go w.loop(ctx)

	w.logger.Info("watching file", observability.String("path", w.path))
	return nil
}

// Stop ends watching and releases the fsnotify watcher. It is safe to call
// more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if started {
		<-w.done
	}
	return w.fs.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("file watcher stopped", observability.String("path", w.path))
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.fail("file watcher error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	sum, err := fingerprint(w.path)
	if err != nil {
		w.fail("read watched file", err)
		return
	}
	if sum == w.fingerprint {
		w.logger.Debug("watched file unchanged", observability.String("path", w.path))
		return
	}

	if w.reload != nil {
		if err := w.reload(w.path); err != nil {
			w.fail("reload failed, keeping previous state", err)
			return
		}
	}
	w.fingerprint = sum
	w.logger.Info("file reloaded", observability.String("path", w.path))
}

func (w *Watcher) fail(msg string, err error) {
	w.logger.Error(msg, observability.String("path", w.path), observability.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}

func fingerprint(path string) ([32]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(data), nil
}
