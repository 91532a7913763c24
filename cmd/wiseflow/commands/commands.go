// Package commands implements CLI command handlers for wiseflow.
package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/TeamWiseflow/wiseflow-go/pkg/config"
	"github.com/TeamWiseflow/wiseflow-go/pkg/store"
)

// ErrUsage marks argument and flag mistakes so main can exit 2.
var ErrUsage = errors.New("usage error")

// loadConfig reads the config file named by the persistent --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		path = ""
	}

	cfg, loadErr := config.LoadConfig(path)
	if loadErr != nil {
		return nil, fmt.Errorf("load config: %w", loadErr)
	}

	return cfg, nil
}

// openStore opens the persistent record store from the config.
func openStore(cfg *config.Config, logger *slog.Logger) (*store.FileStore, error) {
	fileStore, err := store.Open(cfg.Store.Dir, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return fileStore, nil
}
