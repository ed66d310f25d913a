// Package watcher monitors the project root for source changes.
//
// It wraps fsnotify with recursive directory watching and a small
// debounce window so editor save bursts arrive as one batch. Events are
// normalised to Added/Changed/Removed with canonical absolute paths, and
// events for paths outside the project root are never delivered. Fatal
// watcher errors surface on a dedicated channel; the watch-mode loop
// exits non-zero on them.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/paths"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// Kind classifies a file event.
type Kind int

const (
	Added Kind = iota
	Changed
	Removed
)

// String returns the lowercase event name used in the timeline.
func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one normalised file event.
type Event struct {
	Kind Kind
	Path paths.AbsolutePath
}

// Watcher monitors the project root.
type Watcher struct {
	fs        *fsnotify.Watcher
	root      paths.AbsolutePath
	debouncer *debouncer
	fatal     chan error
	logger    logging.Logger

	mu      sync.Mutex
	stopped bool
}

// debouncer batches events within a window, merging per-path kinds.
type debouncer struct {
	window  time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]Event
	order   []string
	output  chan []Event
}

// New creates a watcher for root with the given debounce window.
func New(root paths.AbsolutePath, window time.Duration, logger logging.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, watcherr.NewFilesystem(
			watcherr.CodeWatcherError, "could not start the file watcher", err,
		)
	}

	return &Watcher{
		fs:   fs,
		root: root,
		debouncer: &debouncer{
			window:  window,
			pending: make(map[string]Event),
			output:  make(chan []Event, 16),
		},
		fatal:  make(chan error, 1),
		logger: logger.WithComponent("watcher"),
	}, nil
}

// Start subscribes to the whole tree under the root and begins
// dispatching events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root.String()); err != nil {
		return watcherr.NewFilesystem(
			watcherr.CodeWatcherError, "could not watch the project root", err,
		).WithPath(w.root.String())
	}

	go w.loop(ctx)

	return nil
}

// Events delivers debounced event batches.
func (w *Watcher) Events() <-chan []Event {
	return w.debouncer.output
}

// Fatal delivers at most one fatal watcher error.
func (w *Watcher) Fatal() <-chan error {
	return w.fatal
}

// Close releases the OS watcher. Safe to call twice.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true

	w.debouncer.stop()

	return w.fs.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		// elm-stuff holds compiler caches that churn during every build;
		// watching it would feed our own output back to us.
		if d.Name() == "elm-stuff" || d.Name() == ".git" || d.Name() == "node_modules" {
			return filepath.SkipDir
		}

		return w.fs.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "watcher error")
			select {
			case w.fatal <- watcherr.NewFilesystem(
				watcherr.CodeWatcherError, "the file watcher failed", err,
			):
			default:
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	path := paths.AbsolutePath(filepath.Clean(abs))

	if !paths.IsUnder(w.root, path) {
		return
	}

	var kind Kind
	switch {
	case event.Op.Has(fsnotify.Create):
		kind = Added
		// A new directory needs its own subscription so files created
		// inside it are seen.
		if info, err := os.Stat(path.String()); err == nil && info.IsDir() {
			if err := w.addRecursive(path.String()); err != nil {
				w.logger.Warn(err, "could not watch new directory", "path", path.String())
			}
			return
		}
	case event.Op.Has(fsnotify.Write):
		kind = Changed
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		kind = Removed
	case event.Op.Has(fsnotify.Chmod):
		// Permission-only changes do not affect builds.
		return
	default:
		kind = Changed
	}

	w.debouncer.add(Event{Kind: kind, Path: path})
}

// add records an event and (re)arms the flush timer.
func (d *debouncer) add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := event.Path.String()
	if prev, seen := d.pending[key]; seen {
		d.pending[key] = merge(prev, event)
	} else {
		d.pending[key] = event
		d.order = append(d.order, key)
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// merge collapses two events on the same path within one window.
// Creation dominates a later write; removal dominates everything; a
// remove followed by a create is a change.
func merge(prev, next Event) Event {
	switch {
	case next.Kind == Removed:
		return next
	case prev.Kind == Removed && next.Kind == Added:
		return Event{Kind: Changed, Path: next.Path}
	case prev.Kind == Added:
		return prev
	default:
		return next
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()

	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}

	batch := make([]Event, 0, len(d.order))
	for _, key := range d.order {
		batch = append(batch, d.pending[key])
	}
	d.pending = make(map[string]Event)
	d.order = nil

	d.mu.Unlock()

	select {
	case d.output <- batch:
	default:
		// The scheduler is behind; merge into the next window instead of
		// blocking the timer goroutine.
		for _, event := range batch {
			d.add(event)
		}
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = make(map[string]Event)
	d.order = nil
}
