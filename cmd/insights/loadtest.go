package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iago/conversation-insights/internal/config"
	"github.com/iago/conversation-insights/internal/loadtest"
)

func newLoadTestCommand() *cobra.Command {
	var (
		opts       loadtest.Options
		outputPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run an in-process ingest and drain benchmark",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Config = config.Load()
			logger := log.New(io.Discard, "", 0)
			if verbose {
				logger = newLogger()
			}

			report, err := loadtest.Run(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			if outputPath != "" {
				if err := os.WriteFile(outputPath, encoded, 0o644); err != nil {
					return fmt.Errorf("write output file: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Conversations, "conversations", 200, "conversations to submit")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 16, "concurrent clients")
	cmd.Flags().IntVar(&opts.Queries, "queries", 50, "insight queries to run after ingest")
	cmd.Flags().DurationVar(&opts.DrainTimeout, "drain-timeout", time.Minute, "how long to wait for the worker to drain")
	cmd.Flags().StringVar(&outputPath, "output", "", "optional path to persist the report JSON")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log runtime output")
	return cmd
}
