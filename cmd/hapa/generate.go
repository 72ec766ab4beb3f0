package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/hapa-ai/hapa/pkg/bridge"
	"github.com/hapa-ai/hapa/pkg/models"
)

type generateArgs struct {
	models.GenerationPayload
	Priority string `json:"priority,omitempty"`
	Stream   bool   `json:"stream,omitempty"`
}

func newGenerateCmd(configPath *string) *cobra.Command {
	var (
		p           generateArgs
		contextFile string
		temperature float64
	)

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate code from a natural language prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Prompt = strings.Join(args, " ")
			if contextFile != "" {
				src, err := readSource(contextFile)
				if err != nil {
					return err
				}
				p.Context = src
			}
			if cmd.Flags().Changed("temperature") {
				p.Temperature = &temperature
			}
			return runRequest(cmd.Context(), *configPath, bridge.CmdGenerate, p, renderGeneration)
		},
	}

	cmd.Flags().StringVarP(&p.Language, "language", "l", "python", "target language")
	cmd.Flags().StringVar(&contextFile, "context", "", "file with surrounding code (- for stdin)")
	cmd.Flags().StringVar(&p.FilePath, "file", "", "path of the file being edited")
	cmd.Flags().IntVar(&p.MaxLength, "max-length", 0, "maximum generated length")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature (0-2)")
	cmd.Flags().StringVar(&p.Priority, "priority", "medium", "queue priority if offline (high, medium, low)")
	cmd.Flags().BoolVar(&p.Stream, "stream", false, "stream tokens as they are generated")
	return cmd
}
