package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/bt-bridge/realtime-relay"
	"github.com/bt-bridge/realtime-relay/agents"
	"github.com/bt-bridge/realtime-relay/config"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept client websockets and relay them to the model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("listen", "", "address to listen on")
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg, "relay")

	a, err := wireApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("wiring relay", err)
		return err
	}
	defer a.Close()

	dialer, err := relay.NewWebsocketDialer(cfg.ModelEndpoint, cfg.ModelAPIKey, cfg.ModelAuthHeader)
	if err != nil {
		return err
	}
	dispatcher, err := tools.NewDispatcher(logger.With(zap.String("component", "dispatcher")), cfg.DispatchTimeout)
	if err != nil {
		return err
	}
	server, err := relay.NewServer(logger, dialer, relay.ServerConfig{
		Primary:        a.primary,
		Backup:         a.backup,
		DefaultProfile: agents.Profile{CustomerID: cfg.CustomerID, CustomerName: cfg.CustomerName},
		Dispatcher:     dispatcher,
		Monitor:        a.monitor,
		DrainGrace:     cfg.DrainGrace,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", server)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr),
			zap.String("primary", a.primary.Name), zap.String("backup", a.backup.Name))
		errc <- httpServer.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serving", err)
			return err
		}
		return nil
	case s := <-sig:
		logger.Info("shutting down...", zap.String("signal", s.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websockets are not tracked by http.Server, so the relay
	// closes its sessions itself.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping listener", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("closing sessions", err, zap.Int("remaining", server.Tracker().Count()))
		return err
	}
	logger.Info("all sessions closed")
	return nil
}
