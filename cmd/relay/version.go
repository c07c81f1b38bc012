package main

import (
	"fmt"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), shared.Version)
			return err
		},
	}
}
