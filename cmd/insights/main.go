package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/iago/conversation-insights/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:           "insights",
		Short:         "Conversation ingestion and enrichment service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFiles...); err != nil {
				return fmt.Errorf("load env files: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env", ".env.local"}, "dotenv files loaded before reading configuration")

	rootCmd.AddCommand(
		newServeCommand(),
		newEvaluateCommand(),
		newLoadTestCommand(),
	)
	return rootCmd
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "[insights] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
}
