package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Realtime relay with local tool dispatch and persona switching",
		Long:          "relay sits between voice clients and a realtime model endpoint. It answers tool calls locally against the booking store and the policy knowledge bases, and hands the conversation to a backup persona when the topic drifts.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(v),
		newPersonasCmd(v),
		newSeedCmd(v),
	)
	return rootCmd
}
