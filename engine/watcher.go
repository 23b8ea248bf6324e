package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig calls reload whenever the config file at path is written or
// replaced. Editors often replace the file, so the directory is watched.
func WatchConfig(ctx context.Context, path string, reload func()) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if w, err := os.Stat(path); err != nil || w.IsDir() {
		return fmt.Errorf("[Watcher] %s is not a file", path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	log.Printf("Config Watcher: watching %s", path)

	go func() {
		defer watcher.Close()
		// coalesce the burst of events a single save produces
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					fire = time.After(300 * time.Millisecond)
				}
			case <-fire:
				fire = nil
				reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Println("Config Watcher error:", err)
			}
		}
	}()
	return nil
}
