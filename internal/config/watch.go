package config

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the backing database file for out-of-process writes and
// invokes onChange after a short debounce. Callers use it to re-read keys
// another process may have rewritten.
func Watch(path string, onChange func()) (func() error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}

	go func() {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("config watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				if onChange != nil {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("config watch", "err", err)
			}
		}
	}()

	return w.Close, nil
}
