package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/tourneysync/internal/logging"
)

// reloadDelay coalesces the burst of events editors emit for one save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands each valid
// result to fn. The parent directory is watched so atomic rename-on-save is
// picked up. Invalid files are logged and skipped. Watching stops when ctx
// is done.
func Watch(ctx context.Context, path, dataDir string, fn func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	log := logging.Get().With(map[string]interface{}{"component": "config", "path": abs})
	go func() {
		defer watcher.Close()

		var reload <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload = time.After(reloadDelay)

			case <-reload:
				reload = nil
				cfg, err := Load(abs, dataDir)
				if err != nil {
					log.Warn("config reload skipped", map[string]interface{}{"error": err.Error()})
					continue
				}
				log.Info("config reloaded")
				fn(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("config watcher error", err)
			}
		}
	}()
	return nil
}
