package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"nyiyui.ca/hato/shirei/config"
)

func policyCmd() *cobra.Command {
	var path string
	c := &cobra.Command{
		Use:   "policy",
		Short: "Print the effective traffic policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := p.ToYAML()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	c.Flags().StringVar(&path, "policy", "", "traffic policy YAML overriding the defaults")
	return c
}
