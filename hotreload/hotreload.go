// Package hotreload watches PHP sources and triggers a reload when they
// change.
package hotreload

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce groups bursts of writes (editors, git checkouts) into one
// reload.
const DefaultDebounce = 250 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Dirs are watched recursively. Missing directories are skipped.
	Dirs []string
	// Extensions limits which files count as changes, e.g. ".php". Empty
	// means every file.
	Extensions []string
	Debounce   time.Duration
	// OnChange is called once per debounced burst with the last path seen.
	OnChange func(path string)
	Logger   *zap.Logger
}

// Watcher runs OnChange after watched files change.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	last    string
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	watched int
}

// Start begins watching. It fails only when the OS watcher cannot be
// created.
func Start(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func(string) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hotreload: create watcher: %w", err)
	}

	w := &Watcher{
		cfg:     cfg,
		watcher: fw,
		logger:  logger.Named("hotreload"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, dir := range cfg.Dirs {
		w.addTree(dir)
	}
	w.logger.Info("hot reload enabled", zap.Int("directories", w.watched))

	go w.run()
	return w, nil
}

// Watched returns the number of directories being watched.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched
}

func (w *Watcher) addTree(root string) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		w.logger.Debug("skipping missing directory", zap.String("dir", root))
		return
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("cannot watch directory", zap.String("dir", path), zap.Error(err))
			return nil
		}
		w.mu.Lock()
		w.watched++
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ev.Name)
			return
		}
	}
	if ev.Op == fsnotify.Chmod || !w.relevant(ev.Name) {
		return
	}
	w.schedule(ev.Name)
}

func (w *Watcher) relevant(path string) bool {
	if len(w.cfg.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range w.cfg.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.last = path
	if w.timer != nil {
		w.timer.Reset(w.cfg.Debounce)
		return
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	path := w.last
	w.timer = nil
	w.mu.Unlock()

	select {
	case <-w.stop:
		return
	default:
	}
	w.logger.Info("source changed, reloading", zap.String("path", path))
	w.cfg.OnChange(path)
}

// Close stops watching. Pending reloads are dropped.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
	})
	return err
}
