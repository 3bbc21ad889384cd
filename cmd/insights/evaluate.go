package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iago/conversation-insights/internal/ai"
	"github.com/iago/conversation-insights/internal/app"
	"github.com/iago/conversation-insights/internal/config"
	"github.com/iago/conversation-insights/internal/evaluation"
)

func newEvaluateCommand() *cobra.Command {
	var models []string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score enrichment models against the labelled sentiment set",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg := config.Load()
			if len(models) == 0 {
				models = []string{cfg.EnrichmentModel}
			}

			factory := func(model string) (ai.Enricher, error) {
				return app.NewEnricher(cfg, model, logger)
			}
			results, err := evaluation.Evaluate(cmd.Context(), factory, models, nil)
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return fmt.Errorf("encode results: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			if best, ok := evaluation.Best(results); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "best model: %s accuracy=%.2f\n", best.Model, best.Accuracy)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&models, "model", nil, "model to evaluate, repeatable (default: ENRICHMENT_MODEL)")
	return cmd
}
