package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vanpelt/runbridge/internal/logger"
)

// coalesceWindow folds the burst of events an atomic rewrite produces
// (create temp, write, rename) into one notification.
const coalesceWindow = 150 * time.Millisecond

// Watcher reports changes to the credential file. The containing directory
// is watched rather than the file so that creation and atomic replacement are
// both observed.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func()

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Watch starts watching path. The directory is created if needed.
func Watch(path string, onChange func()) (*Watcher, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(coalesceWindow)
			} else {
				timer.Reset(coalesceWindow)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			logger.Infof("🔑 Credentials changed: %s", w.path)
			w.onChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("⚠️ Credentials watcher error: %v", err)
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
