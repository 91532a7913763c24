package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded configuration after a file change.
type ReloadFunc func(*Config)

// Watch reloads the config file on every write until ctx is cancelled.
// Invalid intermediate states (partial writes, failed validation) are logged
// and skipped; the previously delivered config stays in effect. The parent
// directory is watched so editor rename-and-replace saves are caught too.
func Watch(ctx context.Context, configPath string, logger *slog.Logger, onReload ReloadFunc) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	dir := filepath.Dir(configPath)

	addErr := watcher.Add(dir)
	if addErr != nil {
		watcher.Close()

		return fmt.Errorf("watch config dir: %w", addErr)
	}

	target := filepath.Clean(configPath)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(event.Name) != target {
					continue
				}

				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				cfg, loadErr := LoadConfig(configPath)
				if loadErr != nil {
					logger.Warn("config reload skipped",
						slog.String("path", configPath),
						slog.String("error", loadErr.Error()),
					)

					continue
				}

				logger.Info("config reloaded", slog.String("path", configPath))
				onReload(cfg)

			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("config watcher error", slog.String("error", watchErr.Error()))
			}
		}
	}()

	return nil
}
