package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TeamWiseflow/wiseflow-go/pkg/fetch"
	"github.com/TeamWiseflow/wiseflow-go/pkg/respcache"
)

// NewFetchCommand returns the "fetch" command: a one-shot URL fetch through
// the governed, cached client. Useful for probing a source before wiring it
// into a mining task.
func NewFetchCommand() *cobra.Command {
	var (
		forceRefresh bool
		showBody     bool
	)

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch one URL through the rate-limited client",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var cache *respcache.Cache

			if cfg.Cache.Enabled {
				cache, err = respcache.Open(cfg.Cache.Dir, cfg.Cache.TTL(), nil)
				if err != nil {
					return fmt.Errorf("open response cache: %w", err)
				}
			}

			client := fetch.NewClient(fetch.Config{
				Timeout:    cfg.Fetch.Timeout(),
				MaxRetries: cfg.Fetch.MaxRetries,
				RetryDelay: cfg.Fetch.RetryDelay(),
			}, buildGovernor(cfg, nil), cache, nil)

			started := time.Now()

			resp, callErr := client.Call(cmd.Context(), fetch.Request{
				URL:          args[0],
				ForceRefresh: forceRefresh,
			})
			if callErr != nil {
				return fmt.Errorf("fetch %s: %w", args[0], callErr)
			}

			took := time.Since(started)

			fmt.Fprintf(os.Stdout, "status: %d\nsize: %s\ncached: %t\ntook: %s\n",
				resp.StatusCode,
				humanize.Bytes(uint64(len(resp.Body))),
				resp.FromCache,
				took.Round(time.Millisecond),
			)

			if showBody {
				fmt.Fprintln(os.Stdout, string(resp.Body))
			}

			return nil
		},
	}

	fetchCmd.Flags().BoolVar(&forceRefresh, "force-refresh", false, "bypass the response cache")
	fetchCmd.Flags().BoolVar(&showBody, "body", false, "print the response body")

	return fetchCmd
}
