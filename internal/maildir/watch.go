package maildir

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reports filesystem activity in a mailbox's new and cur directories.
// Bursts of events within the debounce window collapse into a single
// notification, so a MUA moving a hundred messages wakes the monitor once.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	events   chan struct{}
	done     chan struct{}
	logger   *logrus.Entry
}

// NewWatcher starts watching the Maildir at path.
func NewWatcher(path string, debounce time.Duration, logger *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, sub := range []string{"new", "cur"} {
		if err := fsw.Add(filepath.Join(path, sub)); err != nil {
			fsw.Close() //nolint:errcheck
			return nil, fmt.Errorf("failed to watch %s/%s: %w", path, sub, err)
		}
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go w.run()
	return w, nil
}

// Events delivers one notification per settled burst of filesystem changes.
// The channel has capacity one; a notification that arrives while a previous
// one is unconsumed is folded into it.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.logger.WithFields(logrus.Fields{
				"op":   ev.Op.String(),
				"name": filepath.Base(ev.Name),
			}).Trace("Filesystem event")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Filesystem watch error")
		case <-fire:
			timer = nil
			fire = nil
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}
