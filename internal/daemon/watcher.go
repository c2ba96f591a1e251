package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/benaskins/lyceum/internal/events"
)

// reloadDebounce collapses the burst of events an editor produces for one
// save into a single reload.
const reloadDebounce = 500 * time.Millisecond

// WatchConfig reloads the store whenever its file is edited outside the
// daemon, until ctx is cancelled. It watches the parent directory so that
// editors which save by writing a temp file and renaming it are seen.
func (d *Daemon) WatchConfig(ctx context.Context) error {
	path := filepath.Clean(d.store.Path())
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	d.logger.Info("watching config file", "path", path)

	// A nil channel blocks, so the reload case only fires once armed.
	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !touchesConfig(ev, path) {
				continue
			}
			d.logger.Debug("config file event", "op", ev.Op)
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			d.reloadConfig()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("config watcher", "error", err)
		}
	}
}

func touchesConfig(ev fsnotify.Event, path string) bool {
	if filepath.Clean(ev.Name) != path {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}

// reloadConfig applies an external edit. An edit that fails validation is
// reported and the running configuration is left as it was.
func (d *Daemon) reloadConfig() {
	changed, err := d.store.Reload()
	switch {
	case err != nil:
		d.logger.Warn("config edit rejected", "error", err)
		d.note(events.Warning, "config file edit ignored: "+err.Error())
	case changed:
		d.ConfigChanged()
		d.logger.Info("config reloaded", "path", d.store.Path())
		d.note(events.Info, "configuration reloaded from disk")
	}
}
