package vault

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts editors and atomic renames
// produce into a single reload.
const reloadDebounce = 200 * time.Millisecond

func (v *Vault) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("op=vault.startWatcher: %w", err)
	}
	// Watch the directory: replace-by-rename never fires on the file itself.
	dir := filepath.Dir(v.cfg.Path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("op=vault.startWatcher: watch %s: %w", dir, err)
	}
	v.watchDone = make(chan struct{})
	v.watchErr = make(chan error, 1)
	go v.watchLoop(w)
	return nil
}

func (v *Vault) watchLoop(w *fsnotify.Watcher) {
	target := filepath.Clean(v.cfg.Path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				v.watchErr <- w.Close()
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := v.Reload(); err != nil {
				slog.Warn("vault reload failed; previous accounts still serving",
					slog.Any("error", err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				v.watchErr <- w.Close()
				return
			}
			slog.Warn("vault watcher error", slog.Any("error", err))
		case <-v.watchDone:
			v.watchErr <- w.Close()
			return
		}
	}
}
