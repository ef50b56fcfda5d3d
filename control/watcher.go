// File: control/watcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Hot-reload of the YAML config file. Changed files are re-parsed and
// validated; only valid configs are published to the listeners.

package control

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-tcp/internal/logging"
)

// ConfigChangeCallback receives the previous and the freshly loaded config.
type ConfigChangeCallback func(oldCfg, newCfg *Config)

// Watcher watches one config file and republishes it on change.
type Watcher struct {
	log  zerolog.Logger
	file string

	mu        sync.RWMutex
	cfg       *Config
	callbacks []ConfigChangeCallback

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher loads the initial config from file and prepares the
// filesystem watch; Start begins delivery.
func NewWatcher(file string) (*Watcher, error) {
	cfg, err := LoadConfig(file)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &Watcher{
		log:  logging.New("control"),
		file: file,
		cfg:  cfg,
		fsw:  fsw,
		done: make(chan struct{}),
	}, nil
}

// Config returns the current snapshot.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg.Clone()
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(cb ConfigChangeCallback) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Start begins watching the config file.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.file); err != nil {
		return fmt.Errorf("watch %s: %w", w.file, err)
	}
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop ends the watch and waits for the delivery goroutine.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.file)
	if err != nil {
		// Keep serving the last valid config.
		w.log.Warn().Err(err).Str("file", w.file).Msg("config reload rejected")
		return
	}
	w.mu.Lock()
	old := w.cfg
	w.cfg = cfg
	callbacks := append([]ConfigChangeCallback(nil), w.callbacks...)
	w.mu.Unlock()
	w.log.Info().Str("file", w.file).Msg("config reloaded")
	for _, cb := range callbacks {
		cb(old.Clone(), cfg.Clone())
	}
}
