package orchestrator

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/openloop/harness/internal/logging"
	"github.com/openloop/harness/internal/progress"
)

// checklistWatch refreshes the live progress display when the backend agent
// rewrites the checklist file mid-session.
type checklistWatch struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// watchChecklist watches the project directory for checklist writes. The
// directory is watched rather than the file because atomic rename-replace
// swaps the inode out from under a file watch.
func watchChecklist(dir string, checklist *progress.Checklist, display *Display, log *logging.Logger) (*checklistWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &checklistWatch{watcher: watcher, done: make(chan struct{})}
	wlog := log.WithComponent("watch")

	seen := make([]bool, checklist.Len())
	for i, f := range checklist.Features() {
		seen[i] = f.Passes
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != progress.ChecklistFile {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := checklist.Reload(); err != nil {
					wlog.Warn("checklist change rejected", logging.Fields{"error": err})
					continue
				}
				changed := false
				for i, f := range checklist.Features() {
					if f.Passes && !seen[i] {
						seen[i] = true
						changed = true
						display.FeaturePassed(f.Description)
						wlog.FeaturePassed(i, f.Description)
					}
				}
				if changed {
					display.Progress(checklist)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				wlog.Warn("watch error", logging.Fields{"error": err})
			case <-w.done:
				return
			}
		}
	}()

	return w, nil
}

// Close stops the watch.
func (w *checklistWatch) Close() {
	close(w.done)
	w.watcher.Close()
}
