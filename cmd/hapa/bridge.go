package main

import (
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/hapa-ai/hapa/pkg/bridge"
	"github.com/hapa-ai/hapa/pkg/offline"
)

func newBridgeCmd(configPath *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the editor extension over line-delimited JSON on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// Notifications raised before the server exists are dropped.
			var srv atomic.Pointer[bridge.Server]
			notifier := offline.NotifierFunc(func(n offline.Notification) {
				if s := srv.Load(); s != nil {
					s.Notify(n)
				}
			})

			a, err := openApp(*configPath, notifier)
			if err != nil {
				return err
			}
			defer a.close()

			srv.Store(newServer(a))
			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Listen
			}
			if err := a.background(ctx, *configPath, metricsAddr); err != nil {
				return err
			}

			// Unblock the stdin reader on interrupt.
			go func() {
				<-ctx.Done()
				_ = os.Stdin.Close()
			}()
			err = srv.Load().Run(ctx, os.Stdin, os.Stdout)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	return cmd
}
