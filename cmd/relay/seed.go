package main

import (
	"fmt"
	"os"

	"github.com/bt-bridge/realtime-relay/booking"
	"github.com/bt-bridge/realtime-relay/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newSeedCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load customers, reservations and flights into the booking store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, "seed")

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening seed file: %w", err)
			}
			defer f.Close()
			data, err := booking.ParseSeed(f)
			if err != nil {
				return err
			}

			store, err := booking.Open(cmd.Context(), cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Seed(cmd.Context(), data); err != nil {
				logger.Error("seeding booking store", err)
				return err
			}
			logger.Info("booking store seeded",
				zap.String("database", cfg.DatabasePath),
				zap.Int("customers", len(data.Customers)),
				zap.Int("reservations", len(data.Reservations)),
				zap.Int("flights", len(data.Flights)))
			return nil
		},
	}
}
