package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Change reports that a record document was written or removed.
type Change struct {
	Kind Kind
	// ID is empty for changes to the active pointer.
	ID      string
	Removed bool
}

// Watcher streams record changes under a FileStore root.
type Watcher struct {
	store   *FileStore
	watcher *fsnotify.Watcher
	changes chan Change
	stop    chan struct{}
}

// Watch starts watching the store's record directories. The returned
// watcher stops when ctx is done or Stop is called.
func (s *FileStore) Watch(ctx context.Context) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dirs := []string{s.root}
	for _, k := range []Kind{KindOrchestration, KindDebate, KindEscalation} {
		dirs = append(dirs, filepath.Join(s.root, string(k)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			fw.Close()
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w := &Watcher{
		store:   s,
		watcher: fw,
		changes: make(chan Change, 16),
		stop:    make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Changes returns the change stream. It is closed when the watcher stops.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.changes)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			change, ok := w.classify(ev)
			if !ok {
				continue
			}
			select {
			case w.changes <- change:
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// classify maps a filesystem event to a record change, ignoring temp and
// lock files.
func (w *Watcher) classify(ev fsnotify.Event) (Change, bool) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, docExt) {
		return Change{}, false
	}
	removed := ev.Has(fsnotify.Remove)
	if !removed && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return Change{}, false
	}

	dir := filepath.Dir(ev.Name)
	if filepath.Clean(dir) == filepath.Clean(w.store.root) {
		if name != activeFile {
			return Change{}, false
		}
		return Change{Removed: removed}, true
	}
	return Change{
		Kind:    Kind(filepath.Base(dir)),
		ID:      strings.TrimSuffix(name, docExt),
		Removed: removed,
	}, true
}
