package tui

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce batches the burst of events a checkpoint rename produces.
const defaultDebounce = 150 * time.Millisecond

// Watcher reports changes to a few named files in one directory. Bursts of
// events collapse into a single notification.
type Watcher struct {
	watcher  *fsnotify.Watcher
	names    map[string]struct{}
	debounce time.Duration

	changes  chan struct{}
	errs     chan error
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher watches dir for writes to names.
func NewWatcher(dir string, debounce time.Duration, names ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tui: watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("tui: watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &Watcher{
		watcher:  fw,
		names:    map[string]struct{}{},
		debounce: debounce,
		changes:  make(chan struct{}, 1),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	for _, n := range names {
		w.names[n] = struct{}{}
	}
	go w.loop()
	return w, nil
}

// Changes delivers one value per settled burst of changes.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Errors delivers watcher errors.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	_, ok := w.names[filepath.Base(ev.Name)]
	return ok
}
