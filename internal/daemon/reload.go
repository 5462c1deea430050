package daemon

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/config"
)

// settleDelay lets an editor finish a multi-write save before the file is
// re-read (plain writes and atomic renames both fire an event mid-write).
const settleDelay = 50 * time.Millisecond

// ReloadHandler is invoked with the freshly loaded config and its
// classification against the previously active one.
type ReloadHandler func(next *config.Config, diff config.Diff)

// ConfigWatcher watches a single config file for changes and classifies
// every edit as hot-reloadable or restart-required.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	path string
	current *config.Config
	handler ReloadHandler
}

// WatchConfig starts watching path for changes: one fsnotify.Watcher, an
// events/errors select loop, restricted to the single path of interest.
func WatchConfig(path string, initial *config.Config, handler ReloadHandler) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ccerr.Resource("daemon.WatchConfig", err)
	}
	// Watch the containing directory: editors often replace the file via
	// rename, which fsnotify only observes on the directory, not the file
	// itself (a watch on the file disappears with the old inode).
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, ccerr.Disk("daemon.WatchConfig", err)
	}
	cw := &ConfigWatcher{watcher: w, path: path, current: initial, handler: handler}
	go cw.loop()
	return cw, nil
}

func (cw *ConfigWatcher) loop() {
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cw.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(settleDelay)
			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[daemon] config watcher error: %v", err)
		}
	}
}

func (cw *ConfigWatcher) reload() {
	next, err := config.Load(cw.path)
	if err != nil {
		log.Printf("[daemon] config reload: %v", err)
		return
	}
	diff := config.Classify(cw.current, next)
	if len(diff.Changed) == 0 {
		return
	}
	log.Printf("[daemon] config changed: %v (requires_restart=%v)", diff.Changed, diff.RequiresRestart)
	cw.current = next
	cw.handler(next, diff)
}

// Close stops the watcher.
func (cw *ConfigWatcher) Close() error {
	return cw.watcher.Close()
}
