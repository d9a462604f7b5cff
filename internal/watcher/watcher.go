// Package watcher reports debounced changes to individual files.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 500 * time.Millisecond

// ChangeCallback is called once a burst of writes to a watched file settles.
type ChangeCallback func(key, path string)

// Watcher monitors files for changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*fileWatcher // key → watcher
	debounce time.Duration
	callback ChangeCallback
	logger   *zap.Logger
}

type fileWatcher struct {
	key       string
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu       sync.Mutex
	lastMod  time.Time
	lastSize int64
}

// New creates a file watcher.
func New(debounce time.Duration, callback ChangeCallback, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: debounce,
		callback: callback,
		logger:   logger,
	}
}

// Watch starts watching path under key. The parent directory is watched so
// files replaced by rename are still picked up.
func (w *Watcher) Watch(key, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", abs, err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory: %s", abs)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return err
	}

	fw := &fileWatcher{
		key:       key,
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastMod:   info.ModTime(),
		lastSize:  info.Size(),
	}

	w.Unwatch(key)
	w.mu.Lock()
	w.watchers[key] = fw
	w.mu.Unlock()

	go w.watchLoop(fw)
	return nil
}

// Unwatch stops watching key.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	fw, ok := w.watchers[key]
	if ok {
		delete(w.watchers, key)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.check(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("key", fw.key), zap.Error(err))
		}
	}
}

// check notifies when the file's size or modification time moved.
func (w *Watcher) check(fw *fileWatcher) {
	select {
	case <-fw.cancel:
		return
	default:
	}

	info, err := os.Stat(fw.path)
	if err != nil {
		w.logger.Debug("watched file unavailable", zap.String("path", fw.path), zap.Error(err))
		return
	}
	fw.mu.Lock()
	unchanged := info.ModTime().Equal(fw.lastMod) && info.Size() == fw.lastSize
	fw.lastMod = info.ModTime()
	fw.lastSize = info.Size()
	fw.mu.Unlock()
	if unchanged {
		return
	}

	if w.callback != nil {
		w.callback(fw.key, fw.path)
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.watchers))
	for key := range w.watchers {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.Unwatch(key)
	}
}
