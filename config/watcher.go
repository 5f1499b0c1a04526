package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a Config whenever its backing TOML file changes on
// disk, re-running the same Load validation a fresh process startup would.
// Only the TOML file is watched: an edit to an attached governance policy
// YAML file is picked up on the next TOML reload, not on its own. A bad edit on disk
// never takes effect: onReload only fires after the reloaded Config passes
// ValidateKnobs.
type Watcher struct {
	fsw     *fsnotify.Watcher
	path    string
	passSrc func() (string, error)
	log     *slog.Logger
	done    chan struct{}
}

// NewWatcher starts watching path (the TOML config file) for writes. onReload
// is invoked with the freshly loaded and validated Config after every change;
// Load/validation errors are logged and the previous Config stays in effect.
func NewWatcher(path string, keystorePassphrase func() (string, error), logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, path: path, passSrc: keystorePassphrase, log: logger, done: make(chan struct{})}
	go w.run(onReload)
	return w, nil
}

func (w *Watcher) run(onReload func(*Config)) {
	defer close(w.done)
	for event := range w.fsw.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		cfg, err := Load(w.path, w.passSrc)
		if err != nil {
			w.log.Error("config reload failed, keeping previous configuration", slog.Any("error", err))
			continue
		}
		w.log.Info("configuration reloaded", slog.String("path", w.path))
		onReload(cfg)
	}
}

// Close stops watching and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
