// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes from editors.
const DefaultDebounce = 100 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce is the quiet period after the last change before reloading.
	// Zero uses DefaultDebounce.
	Debounce time.Duration

	// Logger receives watcher errors. Nil uses slog.Default().
	Logger *slog.Logger

	// Load rereads the file. Nil uses Load.
	Load func(path string) (*Config, error)
}

// Watch reloads the configuration at path whenever it changes.
//
// Description:
//
//	The parent directory is watched so atomic renames by editors are seen.
//	Each settled change calls onChange with the reloaded configuration, or
//	with the load error; the previous configuration stays in effect on
//	error. Watch blocks until ctx is done.
//
// Inputs:
//
//	ctx - Stops the watcher.
//	path - The configuration file.
//	onChange - Called on the watcher goroutine; must not block for long.
//	opts - Optional tuning.
//
// Outputs:
//
//	error - Non-nil if the watcher could not be started.
func Watch(ctx context.Context, path string, onChange func(*Config, error), opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Load == nil {
		opts.Load = Load
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(opts.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			opts.Logger.Warn("config watcher error", slog.String("path", abs), slog.String("error", err.Error()))

		case <-timer.C:
			cfg, err := opts.Load(abs)
			if err != nil {
				opts.Logger.Warn("config reload failed", slog.String("path", abs), slog.String("error", err.Error()))
			} else {
				opts.Logger.Info("config reloaded", slog.String("path", abs))
			}
			onChange(cfg, err)
		}
	}
}
