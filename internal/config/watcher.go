package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bakaboard/sync_layer/internal/app/system"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// DefaultDebounce is how long the watcher waits for the file to settle
// before reloading. Editors often emit several events per save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and hands
// the parsed result to a callback. A file that no longer parses is logged
// and skipped; the previous configuration stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ system.Service = (*Watcher)(nil)

// NewWatcher builds a watcher for the configuration at path. onChange runs
// on the watcher goroutine after every successful reload.
func NewWatcher(path string, log *logger.Logger, onChange func(*Config)) *Watcher {
	if log == nil {
		log = logger.NewDefault("config-watcher")
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		onChange: onChange,
		log:      log,
	}
}

// Name implements system.Service.
func (w *Watcher) Name() string { return "config-watcher" }

// Start begins watching the directory containing the configuration file.
// The directory is watched rather than the file because editors replace
// files by rename, which drops a watch on the file itself.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fsw.Close()
		w.run(runCtx, fsw)
	}()

	w.log.WithField("path", w.path).Info("watching configuration file")
	return nil
}

// Stop halts the watcher, waiting up to the context deadline for the
// goroutine to exit.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("configuration watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).
			Warn("configuration reload failed, keeping previous configuration")
		return
	}
	w.log.WithField("students", len(cfg.Students)).Info("configuration reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
