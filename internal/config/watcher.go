package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/systmms/trustplane/internal/logging"
)

// debounceWindow coalesces editor write bursts (truncate+write, rename
// dances) into a single reload per file.
const debounceWindow = 250 * time.Millisecond

// fileWatcher watches the parent directories of a set of files and invokes
// onChange once per settled change. Watching directories instead of the
// files themselves survives the delete/recreate pattern most editors use.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	watched  map[string]struct{}
	onChange func(path string)
	log      *logging.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

func newFileWatcher(files []string, log *logging.Logger, onChange func(path string)) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &fileWatcher{
		watcher:  w,
		watched:  make(map[string]struct{}, len(files)),
		onChange: onChange,
		log:      log,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	dirs := make(map[string]struct{})
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			return nil, err
		}
		fw.watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}

	fw.wg.Add(1)
	go fw.loop()
	return fw, nil
}

func (fw *fileWatcher) loop() {
	defer fw.wg.Done()
	for {
		select {
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if _, tracked := fw.watched[abs]; !tracked {
				continue
			}
			fw.schedule(abs)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Warn("file watcher: %v", err)
		case <-fw.done:
			return
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a path.
func (fw *fileWatcher) schedule(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, ok := fw.pending[path]; ok {
		timer.Reset(debounceWindow)
		return
	}
	fw.pending[path] = time.AfterFunc(debounceWindow, func() {
		fw.mu.Lock()
		delete(fw.pending, path)
		fw.mu.Unlock()

		select {
		case <-fw.done:
			return
		default:
		}
		fw.onChange(path)
	})
}

func (fw *fileWatcher) paths() []string {
	out := make([]string, 0, len(fw.watched))
	for p := range fw.watched {
		out = append(out, p)
	}
	return out
}

func (fw *fileWatcher) close() {
	close(fw.done)
	fw.watcher.Close()
	fw.wg.Wait()

	fw.mu.Lock()
	for path, timer := range fw.pending {
		timer.Stop()
		delete(fw.pending, path)
	}
	fw.mu.Unlock()
}
