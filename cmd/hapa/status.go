package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd(configPath *string) *cobra.Command {
	var noProbe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, backend health, queue and cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath, nil)
			if err != nil {
				return err
			}
			defer a.close()

			backend := "not checked"
			if !noProbe {
				// A successful probe also sends queued requests.
				a.offline.CheckOnlineStatus(cmd.Context())
				ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Offline.ProbeTimeout)
				defer cancel()
				if err := a.client.Health(ctx); err != nil {
					backend = "unreachable: " + err.Error()
				} else {
					backend = "healthy"
				}
			}

			st := a.offline.GetStatus()
			conn := "online"
			if !st.Online {
				conn = "offline"
			}
			lastCheck := "never"
			if !st.LastCheck.IsZero() {
				lastCheck = humanize.Time(st.LastCheck)
			}
			fmt.Printf("Connection:  %s (checked %s)\n", conn, lastCheck)
			fmt.Printf("Backend:     %s (%s)\n", a.client.BaseURL(), backend)
			fmt.Printf("Queue:       %s pending\n", humanize.Comma(int64(st.PendingRequests)))
			fmt.Printf("Cache:       %d entries, %s\n", st.CachedResponses, humanize.IBytes(uint64(st.CacheSize)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "report the persisted state without network checks")
	return cmd
}
