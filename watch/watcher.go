package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// DefaultDebounce is the window within which raw events for one path
// collapse to the most recent kind.
const DefaultDebounce = 50 * time.Millisecond

// ErrClosed is returned by operations on a closed watcher.
var ErrClosed = errors.New("watcher closed")

// ErrUnknownSubscription is returned when unsubscribing an id that is not
// (or no longer) registered.
var ErrUnknownSubscription = errors.New("unknown subscription")

// EmitFunc receives one coalesced event on behalf of one subscription. It is
// called from the watcher's event loop and must not block for long.
type EmitFunc func(subscriptionID string, ev Event)

// Subscription is the caller-facing record of one Subscribe call.
type Subscription struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type subscription struct {
	Subscription
	isDir bool
	// dirs are the OS-watched directories this subscription holds a
	// reference on, including ones added later for new subdirectories.
	dirs []string
}

// covers reports whether an event at path should be delivered to s.
func (s *subscription) covers(path string) bool {
	if path == s.Path {
		return true
	}
	if !s.isDir {
		return false
	}
	rel, ok := strings.CutPrefix(path, s.Path+string(os.PathSeparator))
	if !ok {
		return false
	}
	if s.Recursive {
		return true
	}
	return !strings.ContainsRune(rel, os.PathSeparator)
}

type pendingEvent struct {
	kind  Kind
	timer *time.Timer
}

// Watcher multiplexes one fsnotify watcher across many subscriptions.
type Watcher struct {
	log      *slog.Logger
	emit     EmitFunc
	debounce time.Duration
	fw       *fsnotify.Watcher

	mu      sync.Mutex
	closed  bool
	subs    map[string]*subscription
	dirRefs map[string]int
	pending map[string]*pendingEvent

	done chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// WithDebounce sets the coalescing window. Zero or negative disables
// coalescing and delivers every raw event.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher delivering coalesced events through emit.
func New(emit EmitFunc, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	w := &Watcher{
		log:      slog.Default(),
		emit:     emit,
		debounce: DefaultDebounce,
		fw:       fw,
		subs:     make(map[string]*subscription),
		dirRefs:  make(map[string]int),
		pending:  make(map[string]*pendingEvent),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	go w.run()
	return w, nil
}

// Subscribe registers interest in path. Directories deliver events for their
// entries (all descendants when recursive); files deliver events for the file
// itself. The underlying OS watches are shared with other subscriptions
// covering the same directories.
func (w *Watcher) Subscribe(path string, recursive bool) (*Subscription, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}

	sub := &subscription{
		Subscription: Subscription{
			ID:        uuid.NewString(),
			Path:      abs,
			Recursive: recursive && info.IsDir(),
		},
		isDir: info.IsDir(),
	}

	var dirs []string
	switch {
	case !info.IsDir():
		dirs = []string{filepath.Dir(abs)}
	case !sub.Recursive:
		dirs = []string{abs}
	default:
		err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			dirs = append(dirs, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", abs, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	for _, d := range dirs {
		if err := w.refDirLocked(d); err != nil {
			for _, held := range sub.dirs {
				w.unrefDirLocked(held)
			}
			return nil, err
		}
		sub.dirs = append(sub.dirs, d)
	}
	w.subs[sub.ID] = sub
	return &sub.Subscription, nil
}

// Unsubscribe releases one subscription. Shared directory watches stay
// active while any other subscription still covers them.
func (w *Watcher) Unsubscribe(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub, ok := w.subs[id]
	if !ok {
		return ErrUnknownSubscription
	}
	delete(w.subs, id)
	for _, d := range sub.dirs {
		w.unrefDirLocked(d)
	}
	return nil
}

// Subscriptions returns a snapshot of the active subscriptions.
func (w *Watcher) Subscriptions() []Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		out = append(out, sub.Subscription)
	}
	return out
}

// Close stops the watcher and drops all subscriptions. Pending coalesced
// events are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, pe := range w.pending {
		pe.timer.Stop()
		delete(w.pending, path)
	}
	w.subs = map[string]*subscription{}
	w.dirRefs = map[string]int{}
	w.mu.Unlock()

	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) refDirLocked(dir string) error {
	if w.dirRefs[dir] == 0 {
		if err := w.fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirRefs[dir]++
	return nil
}

func (w *Watcher) unrefDirLocked(dir string) {
	n := w.dirRefs[dir]
	if n <= 1 {
		delete(w.dirRefs, dir)
		// Removal of an already-gone directory is fine.
		_ = w.fw.Remove(dir)
		return
	}
	w.dirRefs[dir] = n - 1
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Debug("watch error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	kind, ok := kindOf(ev.Op)
	if !ok {
		return
	}
	path := filepath.Clean(ev.Name)

	if kind == KindCreated {
		w.maybeTrackNewDir(path)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if w.debounce <= 0 {
		w.mu.Unlock()
		w.deliver(Event{Path: path, Kind: kind})
		return
	}
	if pe, ok := w.pending[path]; ok {
		// Most recent kind wins within the window.
		pe.kind = kind
		w.mu.Unlock()
		return
	}
	pe := &pendingEvent{kind: kind}
	pe.timer = time.AfterFunc(w.debounce, func() { w.flush(path) })
	w.pending[path] = pe
	w.mu.Unlock()
}

// flush emits the coalesced event for path once its window elapses.
func (w *Watcher) flush(path string) {
	w.mu.Lock()
	pe, ok := w.pending[path]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	kind := pe.kind
	w.mu.Unlock()

	w.deliver(Event{Path: path, Kind: kind})
}

// deliver fans one event out to every covering subscription.
func (w *Watcher) deliver(ev Event) {
	w.mu.Lock()
	var ids []string
	for id, sub := range w.subs {
		if sub.covers(ev.Path) {
			ids = append(ids, id)
		}
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.emit(id, ev)
	}
}

// maybeTrackNewDir extends recursive subscriptions onto directories created
// after they were registered.
func (w *Watcher) maybeTrackNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	var owners []*subscription
	for _, sub := range w.subs {
		if sub.Recursive && sub.covers(path) {
			owners = append(owners, sub)
		}
	}
	if len(owners) == 0 {
		return
	}
	for _, sub := range owners {
		if err := w.refDirLocked(path); err != nil {
			w.log.Debug("watch new directory failed",
				slog.String("path", path), slog.String("err", err.Error()))
			return
		}
		sub.dirs = append(sub.dirs, path)
	}
}
