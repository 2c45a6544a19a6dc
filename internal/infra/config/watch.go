package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the outcome of each reload. On error cfg is nil and the
// caller keeps its previous config.
type ReloadFunc func(cfg *Config, err error)

// Watch reloads the config file at path whenever it changes and reports each
// result to onReload. Bursts of writes within debounce collapse into a single
// reload. It blocks until ctx is done.
//
// The parent directory is watched rather than the file so editors that
// replace the file by rename are still seen.
func Watch(ctx context.Context, path string, debounce time.Duration, onReload ReloadFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			onReload(nil, fmt.Errorf("watch config: %w", err))

		case <-timer.C:
			// A removed file would load as defaults; wait for it to reappear.
			if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				onReload(nil, err)
				continue
			}
			onReload(cfg, nil)
		}
	}
}
