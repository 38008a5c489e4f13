package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses bursts of file events (editors write, rename and
// chmod in quick succession) into one reload.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads the manager when manager.conf or cli_permissions.conf
// changes on disk.
type Watcher struct {
	m       *Manager
	watcher *fsnotify.Watcher
	names   map[string]bool
	changes chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// WatchConfig starts watching the configuration directory. The directory is
// watched rather than the file so atomic replacements are seen.
func (m *Manager) WatchConfig(ctx context.Context) (*Watcher, error) {
	if m.confDir == nil {
		return nil, errors.New("manager: no configuration directory")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manager: create config watcher: %w", err)
	}
	dir := m.confDir.Root()
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("manager: watch config directory %q: %w", dir, err)
	}
	w := &Watcher{
		m:       m,
		watcher: fw,
		names:   map[string]bool{m.confName: true},
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if m.cliPermsName != "" {
		w.names[m.cliPermsName] = true
	}
	go w.run()
	go w.reloadLoop(ctx)
	m.logger.Info("amid.manager.config.watching", "dir", dir)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.names[filepath.Base(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.signal()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.m.logger.Warn("amid.manager.config.watch_error", "error", err)
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.changes:
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.m.clock.After(watchDebounce):
		}
		// drop changes that arrived while debouncing
		select {
		case <-w.changes:
		default:
		}
		if err := w.m.Reload(ctx); err != nil {
			w.m.logger.Warn("amid.manager.config.watch_reload_failed", "error", err)
		}
	}
}
