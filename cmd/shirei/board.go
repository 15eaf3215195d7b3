package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/ui"
)

func boardCmd() *cobra.Command {
	var addr string
	var interval time.Duration
	c := &cobra.Command{
		Use:   "board",
		Short: "Show a terminal traffic board for a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return ui.Main(ctx, addr, interval)
		},
	}
	c.Flags().StringVar(&addr, "addr", config.GetEnv("SHIREI_URL", "http://localhost:8080"), "server URL")
	c.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return c
}
