package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes and notifies
// subscribers. Its one production consumer is the one-tap kill switch,
// which must take effect without a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu      sync.Mutex
	subs    []func(cfg *Config)
	pending bool
	done    chan struct{}
}

func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; editors replace the file on save.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

func (w *Watcher) Subscribe(fn func(cfg *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	debounce := time.NewTicker(250 * time.Millisecond)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", "error", err)
		case <-debounce.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
		w.mu.Lock()
		w.pending = true
		w.mu.Unlock()
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	subs := w.subs
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous", "error", err)
		return
	}
	w.log.Info("config reloaded", "onetap_disabled", cfg.OneTap.Disabled)
	for _, fn := range subs {
		fn(cfg)
	}
}
