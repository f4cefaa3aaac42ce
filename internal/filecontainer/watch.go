package filecontainer

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WakeupMode selects how the scan loop learns that a monitored path may
// have new data: polling on a fixed interval, or an inotify-driven watcher
// that wakes the loop early.
type WakeupMode int

const (
	// Poll wakes the scan loop on a fixed interval only.
	Poll WakeupMode = iota
	// Notify additionally wakes the loop on fsnotify write/rotate events.
	Notify
)

// Wakeups returns a channel that fires whenever the scan loop should
// re-check path: once per pollInterval always, plus (when mode is Notify)
// whenever fsnotify observes a write, rename, or remove on path or its
// containing directory (the latter catches rotation tools that rename the
// old file out and create a new one in its place). The returned stop
// function releases the watcher; it is always safe to call even if mode is
// Poll.
func Wakeups(ctx context.Context, path string, pollInterval time.Duration, mode WakeupMode) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	ticker := time.NewTicker(pollInterval)

	var watcher *fsnotify.Watcher
	if mode == Notify {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Printf("filecontainer: fsnotify unavailable for %s, falling back to polling: %v", path, err)
		} else {
			watcher = w
			dir := dirOf(path)
			if err := watcher.Add(dir); err != nil {
				log.Printf("filecontainer: fsnotify watch %s: %v", dir, err)
				watcher.Close()
				watcher = nil
			}
		}
	}

	go func() {
		defer ticker.Stop()
		if watcher != nil {
			defer watcher.Close()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				notify(ch)
			case ev, ok := <-watcherEvents(watcher):
				if !ok {
					continue
				}
				if ev.Name == path || dirOf(ev.Name) == dirOf(path) {
					notify(ch)
				}
			case werr, ok := <-watcherErrors(watcher):
				if ok && werr != nil {
					log.Printf("filecontainer: fsnotify error for %s: %v", path, werr)
				}
			}
		}
	}()

	stop := func() {
		if watcher != nil {
			watcher.Close()
		}
	}
	return ch, stop
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func watcherErrors(w *fsnotify.Watcher) chan error {
	if w == nil {
		return nil
	}
	return w.Errors
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
