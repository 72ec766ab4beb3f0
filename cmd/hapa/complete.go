package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hapa-ai/hapa/pkg/bridge"
	"github.com/hapa-ai/hapa/pkg/models"
)

type completeArgs struct {
	models.CompletionPayload
	Priority string `json:"priority,omitempty"`
}

func newCompleteCmd(configPath *string) *cobra.Command {
	var p completeArgs

	cmd := &cobra.Command{
		Use:   "complete <file>",
		Short: "Suggest completions at a cursor position (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0])
			if err != nil {
				return err
			}
			p.Code = src
			if p.FilePath == "" && args[0] != "-" {
				p.FilePath = args[0]
			}
			return runRequest(cmd.Context(), *configPath, bridge.CmdComplete, p, renderCompletions)
		},
	}

	cmd.Flags().StringVarP(&p.Language, "language", "l", "python", "source language")
	cmd.Flags().IntVar(&p.CursorLine, "line", 0, "cursor line (0-based)")
	cmd.Flags().IntVar(&p.CursorColumn, "column", 0, "cursor column (0-based)")
	cmd.Flags().StringVar(&p.FilePath, "file", "", "path reported to the backend")
	cmd.Flags().IntVar(&p.MaxSuggestions, "max", 5, "maximum suggestions")
	cmd.Flags().StringVar(&p.Priority, "priority", "high", "queue priority if offline (high, medium, low)")
	return cmd
}

func renderCompletions(raw json.RawMessage) error {
	var items []models.Completion
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(items) == 0 {
		fmt.Println("No suggestions.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSCORE\tTEXT")
	for i, c := range items {
		fmt.Fprintf(w, "%d\t%.2f\t%s\n", i+1, c.Score, c.Text)
	}
	return w.Flush()
}
