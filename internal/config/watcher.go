// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watcher observes a tracing configuration file and delivers every valid
// reload to a callback. It is the runtime control path for filter and
// buffer changes; the callback decides what to re-apply.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  logr.Logger
	onLoad  func(Config)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher starts watching path. onLoad runs on the watcher goroutine for
// every successful reload.
func NewWatcher(path string, logger logr.Logger, onLoad func(Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	// Watch the directory rather than the file so editors that replace
	// the file atomically keep the watch alive.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: watcher,
		logger:  logger.WithName("config.watcher"),
		onLoad:  onLoad,
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
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
			w.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.logger.V(1).Info("received file event", "file", event.Name, "op", event.Op)

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error(err, "failed to reload config file", "path", w.path)
		return
	}
	w.onLoad(cfg)
}
