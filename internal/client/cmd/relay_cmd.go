package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/relay"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/spf13/cobra"
)

const defaultRelayAddr = ":8080"

// NewRelayCommand builds the signaling relay command. It needs no peer
// config, so the standalone relay binary uses it as its root command.
func NewRelayCommand() *cobra.Command {
	var (
		addr     string
		dbPath   string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "run the signaling relay",
		Long: `runs the WebSocket relay peers use to exchange connection requests,
session descriptions and ICE candidates`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logLevel
			if level == "" {
				level = logLevelFlag
			}
			log := logger.New(os.Stderr, level)

			db, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close(db)

			peers := store.NewPeerStore(db)
			if err := peers.DropAllPeers(cmd.Context()); err != nil {
				return err
			}

			srv, err := relay.NewServer(relay.Config{
				Addr:   addr,
				Logger: log,
				Peers:  peers,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultRelayAddr, "address to listen on")
	cmd.Flags().StringVar(&dbPath, "db", ":memory:", "sqlite database for peer presence")
	cmd.Flags().StringVar(&logLevel, "level", "", "log level")
	return cmd
}
