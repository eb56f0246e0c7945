package devserver

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Norgate-AV/wasmbundle/internal/logfields"
	"github.com/Norgate-AV/wasmbundle/internal/utils"
)

// WatchSet describes what a Watcher observes
type WatchSet struct {
	// Directories watched recursively
	Dirs []string

	// Individual files, watched through their parent directory
	Files []string

	// Subtrees whose events are dropped
	Ignore []string
}

// Watcher turns filesystem events into debounced rebuild requests
type Watcher struct {
	fsw      *fsnotify.Watcher
	set      WatchSet
	files    map[string]struct{}
	fileDirs map[string]struct{}
	debounce time.Duration
}

// NewWatcher starts watching set. Missing directories are skipped.
func NewWatcher(set WatchSet, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		set:      set,
		files:    make(map[string]struct{}, len(set.Files)),
		fileDirs: make(map[string]struct{}),
		debounce: debounce,
	}

	for _, dir := range set.Dirs {
		if _, err := os.Stat(dir); err != nil {
			slog.Debug("Not watching missing directory", logfields.Path(dir))
			continue
		}
		w.addDirsRecursive(dir)
	}

	for _, f := range set.Files {
		f = filepath.Clean(f)
		w.files[f] = struct{}{}

		parent := filepath.Dir(f)
		if _, ok := w.fileDirs[parent]; ok {
			continue
		}
		w.fileDirs[parent] = struct{}{}

		if err := fsw.Add(parent); err != nil {
			slog.Warn("watch add failed", "dir", parent, logfields.Error(err))
		}
	}

	return w, nil
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run delivers a rebuild request after every quiet period that follows a
// relevant change. It returns when ctx ends.
func (w *Watcher) Run(ctx context.Context, trigger func()) error {
	debounced := debounce(w.debounce, trigger)
	defer debounced.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.handle(ev) {
				debounced.call()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", logfields.Error(err))
		}
	}
}

// handle reports whether ev should trigger a rebuild
func (w *Watcher) handle(ev fsnotify.Event) bool {
	name := filepath.Clean(ev.Name)

	if w.ignored(name) || shouldIgnoreEvent(name) {
		return false
	}

	// Events from a parent directory watched only for specific files
	if _, ok := w.fileDirs[filepath.Dir(name)]; ok && !w.inDirs(name) {
		if _, ok := w.files[name]; !ok {
			return false
		}
	}

	if ev.Op&fsnotify.Create == fsnotify.Create {
		if fi, err := os.Stat(name); err == nil && fi.IsDir() && w.inDirs(name) {
			w.addDirsRecursive(name)
		}
	}

	if ev.Op == fsnotify.Chmod {
		return false
	}

	slog.Debug("File change detected", logfields.Path(name), "op", ev.Op.String())

	return true
}

func (w *Watcher) addDirsRecursive(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("watch add failed", "dir", path, logfields.Error(err))
		}
		return nil
	})
}

func (w *Watcher) inDirs(p string) bool {
	for _, d := range w.set.Dirs {
		if utils.IsWithin(p, d) {
			return true
		}
	}
	return false
}

func (w *Watcher) ignored(p string) bool {
	for _, ig := range w.set.Ignore {
		if utils.IsWithin(p, ig) {
			return true
		}
		// Staging and backup siblings of an ignored directory
		if strings.HasPrefix(p, filepath.Clean(ig)+".") {
			return true
		}
	}
	return false
}

// shouldIgnoreEvent returns true for editor and OS noise
func shouldIgnoreEvent(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".swx") ||
		strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#") {
		return true
	}

	return base == "Thumbs.db"
}

type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	fn    func()
}

func debounce(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

// call restarts the quiet period
func (d *debouncer) call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
}

// Rebuilder runs one rebuild at a time. A request made while a rebuild is
// running schedules exactly one more; further requests fold into it.
type Rebuilder struct {
	req chan struct{}
	fn  func(ctx context.Context)
}

// NewRebuilder creates a rebuilder around fn
func NewRebuilder(fn func(ctx context.Context)) *Rebuilder {
	return &Rebuilder{req: make(chan struct{}, 1), fn: fn}
}

// Request asks for a rebuild without blocking
func (r *Rebuilder) Request() {
	select {
	case r.req <- struct{}{}:
	default:
	}
}

// Run processes requests until ctx ends
func (r *Rebuilder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.req:
			r.fn(ctx)
		}
	}
}
