package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 50 * time.Millisecond

// Watch reloads path whenever it is written or replaced and hands every
// valid result to fn. Invalid files are logged and skipped. It blocks until
// ctx is cancelled.
func Watch(ctx context.Context, path string, logger Logger, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files by rename, so the directory is watched
	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	reload := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf(logger, "config watcher: %v", err)
		case <-reload:
			cfg, err := Load(path)
			if err == nil {
				cfg.ApplyEnv(logger)
				err = cfg.Validate()
			}
			if err != nil {
				logf(logger, "ignoring config change: %v", err)
				continue
			}
			fn(cfg)
		case <-ctx.Done():
			return nil
		}
	}
}
