package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"legato/pkg/models"
)

// Watcher rescans a folder shortly after files under it change. Rescans of
// one folder are debounced and rate limited.
type Watcher struct {
	scanner  *Scanner
	watcher  *fsnotify.Watcher
	debounce time.Duration
	perMin   int
	logger   *logrus.Logger

	mutex    sync.Mutex
	roots    map[string]int64
	timers   map[int64]*time.Timer
	limiters map[int64]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	scans  sync.WaitGroup
}

// NewWatcher creates a watcher that triggers scans on s.
func NewWatcher(s *Scanner, debounce time.Duration, rescansPerMinute int) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		scanner:  s,
		watcher:  fw,
		debounce: debounce,
		perMin:   max(1, rescansPerMinute),
		logger:   s.logger,
		roots:    make(map[string]int64),
		timers:   make(map[int64]*time.Timer),
		limiters: make(map[int64]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
	w.wg.Add(1)
	go w.watchFiles()
	return w, nil
}

// WatchAll starts watching every stored folder that is accessible.
func (w *Watcher) WatchAll(ctx context.Context) error {
	folders, err := w.scanner.folders.List(ctx)
	if err != nil {
		return err
	}
	for _, folder := range folders {
		if err := w.Watch(folder); err != nil {
			w.logger.WithError(err).WithField("folder", folder.Path).Warn("Could not watch folder")
		}
	}
	return nil
}

// Watch adds a folder root and its subdirectories.
func (w *Watcher) Watch(folder models.Folder) error {
	root, err := w.scanner.access.Token(folder).Resolve()
	if err != nil {
		return err
	}
	root = filepath.Clean(root)
	w.mutex.Lock()
	w.roots[root] = folder.ID
	w.mutex.Unlock()

	if err := w.addDirectory(root); err != nil {
		return err
	}
	w.logger.WithField("folder", root).Info("File watcher started")
	return nil
}

// Unwatch stops watching a folder root.
func (w *Watcher) Unwatch(folderID int64) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for root, id := range w.roots {
		if id != folderID {
			continue
		}
		delete(w.roots, root)
		for _, path := range w.watcher.WatchList() {
			if isWithin(root, path) {
				_ = w.watcher.Remove(path)
			}
		}
	}
	if t, ok := w.timers[folderID]; ok {
		t.Stop()
		delete(w.timers, folderID)
	}
	delete(w.limiters, folderID)
}

// Close stops pending rescans and releases the watcher.
func (w *Watcher) Close() error {
	w.mutex.Lock()
	w.cancel()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mutex.Unlock()
	err := w.watcher.Close()
	w.wg.Wait()
	w.scans.Wait()
	return err
}

// addDirectory walks dir and watches every visible subdirectory.
func (w *Watcher) addDirectory(dir string) error {
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
		if path != dir && (isHidden(d.Name()) || isPackageDir(d.Name())) {
			return fs.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) watchFiles() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFileEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (w *Watcher) handleFileEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if isHidden(name) || strings.HasSuffix(name, ".tmp") {
		return
	}
	ext := strings.ToLower(filepath.Ext(name))
	isAudio := w.scanner.cfg.IsFormatSupported(ext)

	switch {
	case event.Has(fsnotify.Create) && !isAudio:
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() || isPackageDir(name) {
			return
		}
		if err := w.addDirectory(event.Name); err != nil {
			w.logger.WithError(err).WithField("directory", event.Name).Warn("Could not watch new directory")
			return
		}
		w.logger.WithField("directory", event.Name).Debug("Watching new directory")
	case isAudio:
	case ext == "" && event.Has(fsnotify.Remove|fsnotify.Rename):
		// Possibly a removed directory.
	default:
		return
	}

	if id, ok := w.owner(event.Name); ok {
		w.schedule(id, w.debounce)
	}
}

// owner returns the folder whose root is the longest prefix of path.
func (w *Watcher) owner(path string) (int64, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	best, id := "", int64(0)
	for root, folderID := range w.roots {
		if isWithin(root, path) && len(root) > len(best) {
			best, id = root, folderID
		}
	}
	return id, best != ""
}

// schedule (re)arms the folder's rescan timer.
func (w *Watcher) schedule(folderID int64, delay time.Duration) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if t, ok := w.timers[folderID]; ok {
		t.Reset(delay)
		return
	}
	w.timers[folderID] = time.AfterFunc(delay, func() { w.rescan(folderID) })
}

func (w *Watcher) rescan(folderID int64) {
	w.mutex.Lock()
	delete(w.timers, folderID)
	if w.ctx.Err() != nil {
		w.mutex.Unlock()
		return
	}
	limiter, ok := w.limiters[folderID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(w.perMin)), 1)
		w.limiters[folderID] = limiter
	}
	w.scans.Add(1)
	w.mutex.Unlock()
	defer w.scans.Done()

	r := limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		w.schedule(folderID, delay)
		return
	}

	logger := w.logger.WithField("folder_id", folderID)
	_, err := w.scanner.ScanFolder(w.ctx, folderID)
	switch {
	case errors.Is(err, ErrAlreadyScanning):
		w.schedule(folderID, w.debounce)
	case err != nil && w.ctx.Err() == nil:
		logger.WithError(err).Warn("Watcher rescan failed")
	}
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
