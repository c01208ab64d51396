package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/martin-wey/code-context-agent/indexer"
	"github.com/martin-wey/code-context-agent/logging"
)

// DefaultDebounce is how long the watcher waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Invalidator is notified with the relative paths of changed files.
type Invalidator interface {
	InvalidateFiles(files []string)
}

// Watcher watches a codebase recursively and reports debounced batches of
// changed files.
type Watcher struct {
	root     string
	filter   *indexer.Filter
	target   Invalidator
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWatcher adds every directory under root that filter does not skip.
// filter may be nil, in which case only the built-in skip rules apply.
func NewWatcher(root string, filter *indexer.Filter, target Invalidator, logger *log.Logger) (*Watcher, error) {
	if filter == nil {
		var err error
		if filter, err = indexer.NewFilter(nil); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = logging.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     root,
		filter:   filter,
		target:   target,
		watcher:  fw,
		debounce: DefaultDebounce,
		logger:   logger,
		started:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if _, err := os.Stat(root); err != nil {
		fw.Close()
		return nil, err
	}
	if err := w.addRecursive(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Start runs the event loop until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		close(w.started)
		go w.loop(ctx)
	})
}

// Stop ends the event loop and closes the underlying watcher. It is safe to
// call more than once, and without Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		select {
		case <-w.started:
			<-w.doneCh
		default:
		}
		w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	changed := make(map[string]bool)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				stopTimer()
				return
			}
			rel, keep := w.relevant(event)
			if !keep {
				continue
			}
			changed[rel] = true

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", event.Name, "err", err)
					}
				}
			}

			stopTimer()
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if len(changed) == 0 {
				continue
			}
			files := make([]string, 0, len(changed))
			for f := range changed {
				files = append(files, f)
			}
			sort.Strings(files)
			changed = make(map[string]bool)
			w.target.InvalidateFiles(files)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				stopTimer()
				return
			}
			w.logger.Warn("file watcher error", "err", err)
		}
	}
}

// relevant filters events down to writes, creates, removes and renames of
// paths the filter keeps.
func (w *Watcher) relevant(event fsnotify.Event) (string, bool) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return "", false
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		return rel, !w.filter.SkipDir(rel)
	}
	if w.filter.Excluded(rel) {
		return "", false
	}
	return rel, true
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		if w.filter.SkipDir(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "err", err)
		}
		return nil
	})
}
