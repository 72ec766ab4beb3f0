package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hapa-ai/hapa/pkg/config"
	"github.com/hapa-ai/hapa/pkg/history"
	"github.com/hapa-ai/hapa/pkg/models"
)

func newHistoryCmd(configPath *string) *cobra.Command {
	var (
		opts  models.HistoryQueryOpts
		rtype string
		out   string
		since string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Search the record of queued request outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := openHistory(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts.Type = models.RequestType(rtype)
			opts.Outcome = models.Outcome(out)
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := s.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatHistoryEntries(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&rtype, "type", "", "filter by request type (completion, analysis, generation)")
	cmd.Flags().StringVar(&out, "outcome", "", "filter by outcome (queued, succeeded, retried, dropped)")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "filter by request ID")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max entries to return")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count outcomes per request type",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := openHistory(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(formatHistoryStats(stats))
			return nil
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := openHistory(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := s.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d history entries.\n", deleted)
			return nil
		},
	}

	cmd.AddCommand(statsCmd, cleanupCmd)
	return cmd
}

func openHistory(configPath string) (*history.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.History.Enabled {
		return nil, nil, fmt.Errorf("request history is disabled (history.enabled)")
	}
	s, err := history.New(history.Options{
		DBPath:        cfg.History.DBPath,
		RetentionDays: cfg.History.RetentionDays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open history db: %w", err)
	}
	return s, func() { _ = s.Close() }, nil
}

func formatHistoryEntries(entries []models.HistoryEntry) string {
	if len(entries) == 0 {
		return "No history entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-11s %-8s %-10s %8s %8s %-20s %s\n",
		"REQUEST ID", "TYPE", "PRIORITY", "OUTCOME", "ATTEMPTS", "LATENCY", "TIME", "ERROR")
	b.WriteString(strings.Repeat("-", 124) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-38s %-11s %-8s %-10s %8d %6dms %-20s %s\n",
			e.RequestID, e.Type, e.Priority, e.Outcome, e.Attempts, e.LatencyMs,
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Error)
	}
	return b.String()
}

func formatHistoryStats(stats []models.HistoryStat) string {
	if len(stats) == 0 {
		return "No history stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-10s %8s\n", "TYPE", "OUTCOME", "COUNT")
	b.WriteString(strings.Repeat("-", 32) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-10s %8d\n", s.Type, s.Outcome, s.Count)
	}
	return b.String()
}
