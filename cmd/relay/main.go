package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay.git/internal/relay"
)

func main() {
	cfg := relay.Config{}

	root := &cobra.Command{
		Use:   "relay",
		Short: "Chat relay server: websocket fan-out over a sqlite history store",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			srv, err := relay.NewServer(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}

			go func() {
				stop := make(chan os.Signal, 1)
				signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
				<-stop
				log.Info("shutting down")
				_ = srv.Shutdown()
			}()

			return srv.Listen()
		},
	}

	root.Flags().StringVar(&cfg.Addr, "addr", "127.0.0.1:3000", "listen address")
	root.Flags().StringVar(&cfg.DBPath, "db", "chat.db", "sqlite database path")
	root.Flags().IntVar(&cfg.HistoryLimit, "history-limit", 500, "max messages per history response (0 = unlimited)")

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
