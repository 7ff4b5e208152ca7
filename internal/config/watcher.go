package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gcdistribution/portal/internal/logging"
)

// Watcher keeps a Static snapshot of a config directory current.
// A reload that fails keeps the previous snapshot.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *logging.Logger

	current atomic.Pointer[Static]
	wg      sync.WaitGroup
}

// NewWatcher loads dir once and prepares to watch it.
func NewWatcher(dir string, log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Discard()
	}

	static, err := LoadStatic(dir)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		dir:      dir,
		watcher:  fsWatcher,
		debounce: 100 * time.Millisecond,
		log:      log.With("dir", dir),
	}
	w.current.Store(static)
	return w, nil
}

// Static returns the latest snapshot.
func (w *Watcher) Static() *Static {
	return w.current.Load()
}

// Start begins watching until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop closes the watcher and waits for it to finish.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func isCollaboratorFile(path string) bool {
	switch filepath.Base(path) {
	case UsersFileName, ClientsFileName, EnvironmentsFileName:
		return true
	}
	return false
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	// Editors emit bursts of events for one save; reload once they settle.
	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isCollaboratorFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "error", err)

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	static, err := LoadStatic(w.dir)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous", "error", err)
		return
	}
	w.current.Store(static)
	w.log.Info("config reloaded",
		"users", len(static.Users),
		"clients", len(static.Clients),
		"environments", len(static.Environments),
	)
}
