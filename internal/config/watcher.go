package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file's directory and reloads the file whenever it
// is written or created (e.g. by an editor's atomic rename-based save),
// delivering successfully-parsed configs to OnReload. Renaming the file
// itself away triggers no reload.
//
// Grounded on the create/remove/rename event switch in the teacher's
// fsnotify-based directory watcher, adapted from watching a directory of
// socket files to watching a single config file's parent directory (fsnotify
// cannot watch a single file reliably across editors' save strategies).
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	OnReload func(*Config)
}

// NewWatcher creates a Watcher for the config file at path.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fsw}, nil
}

// Run blocks, reloading the config on every relevant filesystem event, until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		w.reload()
	case event.Has(fsnotify.Rename):
		// Many editors save by writing a temp file and renaming it over the
		// original; the Create case above handles that. A rename of the
		// config path itself away leaves nothing to reload.
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("failed to reload config", "path", w.path, "error", err)
		return
	}
	if w.OnReload != nil {
		w.OnReload(cfg)
	}
}

// Close stops the Watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
