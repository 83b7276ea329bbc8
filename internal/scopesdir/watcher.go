package scopesdir

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"scopes/internal/logging"
)

// EventKind distinguishes install and uninstall events.
type EventKind int

const (
	Added EventKind = iota + 1
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports a scope description appearing or disappearing. Description
// is set for Added only.
type Event struct {
	Kind        EventKind
	ScopeID     string
	Path        string
	Description *Description
}

const defaultSettle = 100 * time.Millisecond

// Watcher turns filesystem changes under a set of install directories into
// Added and Removed events. A changed description is reported as Removed
// followed by Added.
type Watcher struct {
	dirs   []string
	fs     *fsnotify.Watcher
	logger *slog.Logger
	settle time.Duration

	events chan Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	known   map[string]*Description
	watched map[string]bool
}

// NewWatcher scans installDirs and starts watching them. Missing install
// directories are skipped.
func NewWatcher(installDirs []string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create scopes watcher: %w", err)
	}
	w := &Watcher{
		dirs:    slices.Clone(installDirs),
		fs:      fsw,
		logger:  logging.NewComponentLogger(logger, "scopesdir"),
		settle:  defaultSettle,
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		known:   map[string]*Description{},
		watched: map[string]bool{},
	}
	w.refreshWatches()
	w.known = w.scan()
	go w.run()
	return w, nil
}

// Snapshot returns the descriptions known right now.
func (w *Watcher) Snapshot() []*Description {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Description, 0, len(w.known))
	for _, id := range slices.Sorted(maps.Keys(w.known)) {
		out = append(out, w.known[id])
	}
	return out
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.fs.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.events)

	timer := time.NewTimer(w.settle)
	timer.Stop()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.logger.Debug("filesystem event", logging.String("path", ev.Name), logging.String("op", ev.Op.String()))
			timer.Reset(w.settle)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.WarnWithContext(w.logger, "scopes watcher error", "scopes_watch_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "installs may be picked up late"),
			)
			timer.Reset(w.settle)
		case <-timer.C:
			w.refreshWatches()
			for _, ev := range w.diff(w.scan()) {
				select {
				case w.events <- ev:
				case <-w.stop:
					return
				}
			}
		}
	}
}

// refreshWatches watches every install dir and every scope dir beneath
// them, and drops watches on scope dirs that are gone.
func (w *Watcher) refreshWatches() {
	want := map[string]bool{}
	for _, dir := range w.dirs {
		want[dir] = true
		for _, sd := range scopeDirs(dir) {
			want[sd] = true
		}
	}
	for path := range want {
		if w.watched[path] {
			continue
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Debug("cannot watch directory", logging.String("path", path), logging.Error(err))
			continue
		}
		w.watched[path] = true
	}
	for path := range w.watched {
		if !want[path] {
			_ = w.fs.Remove(path)
			delete(w.watched, path)
		}
	}
}

func (w *Watcher) scan() map[string]*Description {
	descs, errs := Scan(w.dirs)
	for _, err := range errs {
		logging.WarnWithContext(w.logger, "ignoring scope description", "scope_description_invalid",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix the description file; it is re-read when it changes"),
		)
	}
	out := make(map[string]*Description, len(descs))
	for _, d := range descs {
		out[d.ScopeID] = d
	}
	return out
}

// diff replaces the known set with next and returns the events between them
// in scope id order.
func (w *Watcher) diff(next map[string]*Description) []Event {
	w.mu.Lock()
	prev := w.known
	w.known = next
	w.mu.Unlock()

	var events []Event
	for _, id := range slices.Sorted(maps.Keys(prev)) {
		old := prev[id]
		cur, ok := next[id]
		if !ok || old.changed(cur) {
			events = append(events, Event{Kind: Removed, ScopeID: id, Path: old.Path})
		}
	}
	for _, id := range slices.Sorted(maps.Keys(next)) {
		cur := next[id]
		old, ok := prev[id]
		if !ok || old.changed(cur) {
			events = append(events, Event{Kind: Added, ScopeID: id, Path: cur.Path, Description: cur})
		}
	}
	return events
}
