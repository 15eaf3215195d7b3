package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var flagLogLevel string

func main() {
	root := newRootCmd()
	root.SilenceUsage = true
	err := root.Execute()
	zap.S().Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shirei",
		Short: "Traffic decision and conflict resolution service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flagLogLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "set log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(boardCmd())
	cmd.AddCommand(dbCmd())
	cmd.AddCommand(policyCmd())
	return cmd
}

func setupLogging(level string) error {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(l)
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}
