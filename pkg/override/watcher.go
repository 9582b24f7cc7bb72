package override

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

const DefaultDebounce = 250 * time.Millisecond

// Watcher reports modifications of the override file. The parent directory
// is watched so that atomic replacements (rename over the file) are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(path string)
	logger   logging.Logger

	mu    sync.Mutex
	timer *time.Timer
	sctx  *stopper.Context
}

func NewWatcher(path string, debounce time.Duration, onChange func(path string), logger logging.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
}

// Start begins watching until ctx is cancelled or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewIOError("failed to create file watcher", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return errors.NewIOError("failed to watch directory", err).WithContext("path", dir)
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})

	w.mu.Lock()
	w.sctx = sctx
	w.mu.Unlock()

	sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.schedule(sctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				w.logger.Warnf("Override watcher error, path: %s, error: %v", w.path, err)
			}
		}
	})

	w.logger.Infof("Watching override file, path: %s", w.path)
	return nil
}

func (w *Watcher) schedule(sctx *stopper.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if sctx.IsStopping() {
			return
		}
		w.logger.Debugf("Override file changed, path: %s", w.path)
		w.onChange(w.path)
	})
}

// Stop ends the watch and waits for the watch goroutine to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	sctx := w.sctx
	w.sctx = nil
	w.mu.Unlock()

	if sctx == nil {
		return nil
	}
	sctx.Stop(100 * time.Millisecond)
	return sctx.Wait()
}
