package main

import (
	"github.com/bt-bridge/realtime-relay/agents"
	"github.com/bt-bridge/realtime-relay/config"
	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const printerIndentString string = "│  "

func newPersonasCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "Print the declared personas and their tool schemas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			doc, err := agents.LoadDocument(cfg.PersonaFile)
			if err != nil {
				return err
			}
			printer, err := shared.NewPrinter(printerIndentString, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			for _, decl := range doc.Agents {
				role := ""
				switch decl.Name {
				case cfg.PrimaryAgent:
					role = " (primary)"
				case cfg.BackupAgent:
					role = " (backup)"
				case cfg.ClassifierAgent:
					role = " (classifier)"
				}
				if err := printer.Writeln(decl.Name+role, 0); err != nil {
					return err
				}
				if err := printer.WriteYAML(decl, 1); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
