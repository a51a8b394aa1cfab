package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"imagecache/internal/image_list"
)

const DefaultDebounce = 200 * time.Millisecond

type Invalidator interface {
	Invalidate(sourcePath string) int
}

type Index interface {
	Scan() error
	RelPath(fullPath string) (string, error)
}

// Watcher invalidates cached images when their source files change and
// rescans the index once the directory goes quiet.
type Watcher struct {
	fsWatcher   *fsnotify.Watcher
	rootDir     string
	invalidator Invalidator
	index       Index
	logger      *zap.Logger
	debounce    time.Duration

	mu      sync.Mutex
	rescan  *time.Timer
	rescans int
}

func New(rootDir string, invalidator Invalidator, index Index, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher:   fsw,
		rootDir:     rootDir,
		invalidator: invalidator,
		index:       index,
		logger:      logger,
		debounce:    DefaultDebounce,
	}
	if err := w.addRecursive(rootDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", rootDir, err)
	}
	return w, nil
}

// SetDebounce changes the quiet period before a rescan; call before Run
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// fsnotify does not follow subdirectories on its own
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
}

// Run processes events until ctx is done, then closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
			w.scheduleRescan()
			return
		}
	}

	if !image_list.IsImageFile(event.Name) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	rel, err := w.index.RelPath(event.Name)
	if err != nil {
		w.logger.Debug("Ignoring event outside data directory", zap.String("path", event.Name))
		return
	}

	removed := w.invalidator.Invalidate(rel)
	// Scaled fetches of the base image may have been decoded from this asset
	if base, _, ok := image_list.VariantBase(rel); ok {
		removed += w.invalidator.Invalidate(base)
	}
	w.logger.Debug("Source changed",
		zap.String("path", rel),
		zap.String("op", event.Op.String()),
		zap.Int("removed", removed),
	)
	w.scheduleRescan()
}

func (w *Watcher) scheduleRescan() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rescan != nil {
		w.rescan.Stop()
	}
	w.rescan = time.AfterFunc(w.debounce, func() {
		if err := w.index.Scan(); err != nil {
			w.logger.Warn("Rescan after change failed", zap.Error(err))
		}
		w.mu.Lock()
		w.rescans++
		w.mu.Unlock()
	})
}

// Rescans reports how many debounced rescans have completed
func (w *Watcher) Rescans() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rescans
}

// Close is safe to call more than once
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rescan != nil {
		w.rescan.Stop()
	}
	return w.fsWatcher.Close()
}
