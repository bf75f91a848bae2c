package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/planforge/planforge/pkg/cache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the compilation cache",
	}
	cmd.AddCommand(newCacheLsCommand())
	cmd.AddCommand(newCacheRmCommand())
	cmd.AddCommand(newCachePurgeCommand())
	return cmd
}

func (a *app) openCache() (*cache.Cache, error) {
	return cache.New(cache.Config{
		Dir:      a.cfg.Cache.Dir,
		MaxBytes: a.cfg.Cache.MaxBytes,
	}, a.store)
}

func newCacheLsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cached artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			binCache, err := a.openCache()
			if err != nil {
				return err
			}
			entries, err := binCache.Entries(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Cache is empty")
				return nil
			}

			var total int64
			for _, e := range entries {
				total += e.Size
				fmt.Printf("  %s  %-20s %8.1f MiB  last used %s\n",
					e.Fingerprint[:12], e.Triple,
					float64(e.Size)/(1024*1024),
					e.LastUsedAt.Format(time.RFC3339))
			}
			fmt.Printf("\n%d artifact(s), %.1f MiB total\n", len(entries), float64(total)/(1024*1024))
			return nil
		},
	}
}

func newCacheRmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <fingerprint>",
		Short: "Remove one cached artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			binCache, err := a.openCache()
			if err != nil {
				return err
			}
			if err := binCache.Invalidate(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("fingerprint", args[0]).Msg("Cache entry removed")
			return nil
		},
	}
}

func newCachePurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove every cached artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			binCache, err := a.openCache()
			if err != nil {
				return err
			}
			if err := binCache.Purge(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("Cache purged")
			return nil
		},
	}
}
