package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads a YAML config file when it changes and hands the fresh
// snapshot to the registered callback. Rapid change bursts are debounced.
type Watcher struct {
	path     string
	onChange func(Config)
	stopCh   chan struct{}
}

// Watch starts watching path. onChange runs on the watcher goroutine with
// the newly loaded config; callers swap it into their own state.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	// Watch the directory too so atomic writes (rename) are caught.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		log.WithError(err).WithField("dir", filepath.Dir(path)).Warn("failed to watch config directory")
	}

	w := &Watcher{path: path, onChange: onChange, stopCh: make(chan struct{})}
	go w.loop(fw)
	log.WithField("path", path).Info("config watcher started")
	return w, nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() { close(w.stopCh) }

func (w *Watcher) loop(fw *fsnotify.Watcher) {
	defer fw.Close()

	var debounce *time.Timer
	const debounceDuration = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDuration, w.reload)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).WithField("path", w.path).Warn("failed to reload config")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).WithField("path", w.path).Warn("reloaded config is invalid, keeping previous")
		return
	}
	w.onChange(cfg)
}
