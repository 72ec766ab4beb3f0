package main

import (
	"github.com/spf13/cobra"

	"github.com/hapa-ai/hapa/pkg/bridge"
	"github.com/hapa-ai/hapa/pkg/models"
)

type analyzeArgs struct {
	models.AnalysisPayload
	Priority string `json:"priority,omitempty"`
}

func newAnalyzeCmd(configPath *string) *cobra.Command {
	var p analyzeArgs

	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Explain or review existing code (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0])
			if err != nil {
				return err
			}
			p.Code = src
			if args[0] != "-" {
				p.FilePath = args[0]
			}
			return runRequest(cmd.Context(), *configPath, bridge.CmdAnalyze, p, renderGeneration)
		},
	}

	cmd.Flags().StringVarP(&p.Language, "language", "l", "python", "source language")
	cmd.Flags().StringVarP(&p.Question, "question", "q", "", "what to ask about the code")
	cmd.Flags().StringVar(&p.Priority, "priority", "low", "queue priority if offline (high, medium, low)")
	return cmd
}
