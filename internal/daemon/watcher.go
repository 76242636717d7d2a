package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/driftwatch/driftwatch/internal/logger"
)

// Watcher delivers matching file-change events to the reconciliation
// loop. Events cross into the loop only through the enqueue callback,
// which must be a thread-safe queue push.
type Watcher struct {
	fsw      *fsnotify.Watcher
	cfg      *Config
	enqueue  func(path string)
	log      logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher that calls enqueue for every relevant
// change under the configured watch paths.
func NewWatcher(cfg *Config, enqueue func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		fsw:     fsw,
		cfg:     cfg,
		enqueue: enqueue,
		log:     logger.New("watcher"),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the watch paths (and their immediate subdirectories)
// and begins dispatching events.
func (w *Watcher) Start() error {
	for _, root := range w.cfg.WatchPaths {
		if err := w.fsw.Add(root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() && !w.ignored(entry.Name()) {
				if err := w.fsw.Add(filepath.Join(root, entry.Name())); err != nil {
					w.log.Warn("could not watch subdirectory",
						logger.String("dir", filepath.Join(root, entry.Name())), logger.Error(err))
				}
			}
		}
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", logger.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	name := filepath.Base(event.Name)
	if w.ignored(name) {
		return
	}

	// A new subdirectory may hold configuration; watch it.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.log.Warn("could not watch new directory",
					logger.String("dir", event.Name), logger.Error(err))
			}
			return
		}
	}

	if !matchesAny(name, w.cfg.WatchPatterns) {
		return
	}

	w.log.Debug("change detected", logger.String("path", event.Name))
	w.enqueue(event.Name)
}

func (w *Watcher) ignored(name string) bool {
	return matchesAny(name, w.cfg.IgnorePatterns)
}

// Stop closes the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.fsw.Close()
		<-w.done
	})
}
