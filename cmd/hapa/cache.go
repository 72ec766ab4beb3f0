package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the offline response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath, nil)
			if err != nil {
				return err
			}
			defer a.close()

			s := a.offline.CacheStats()
			fmt.Printf("Entries:   %d\n", s.Entries)
			fmt.Printf("Size:      %s of %s\n", humanize.IBytes(uint64(s.Bytes)), humanize.IBytes(uint64(s.MaxBytes)))
			fmt.Printf("TTL:       %s\n", a.cfg.Offline.CacheTTL)
			fmt.Printf("Directory: %s\n", a.cfg.Offline.StorageDir)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath, nil)
			if err != nil {
				return err
			}
			defer a.close()

			if expiredOnly {
				n := a.offline.PurgeExpired()
				fmt.Printf("Removed %d expired cache entr%s.\n", n, plural(n, "y", "ies"))
				return nil
			}
			a.offline.ClearCache()
			fmt.Println("All cache entries cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
