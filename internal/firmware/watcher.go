package firmware

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the firmware image file and reports changes. A change
// on the protected image is a strong tamper signal, so the monitor uses it
// to trigger an out-of-schedule full verification.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	changes chan struct{}
	cancel  context.CancelFunc
}

// NewWatcher starts watching the image file's directory. Events for other
// files in the directory are ignored.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("firmware: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("firmware: watch %s: %w", filepath.Dir(path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    path,
		watcher: fsw,
		changes: make(chan struct{}, 1),
		cancel:  cancel,
	}
	go w.loop(ctx)
	return w, nil
}

// Changes delivers one token per detected image change. The channel has a
// buffer of one: repeated changes before the monitor reacts coalesce.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) loop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case w.changes <- struct{}{}:
				default:
				}
			})

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}
