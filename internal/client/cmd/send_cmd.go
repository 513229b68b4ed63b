package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/spf13/cobra"
)

const drainTimeout = 30 * time.Second

var sendName string

var sendCmd = &cobra.Command{
	Use:   "send peer-id path/to/file",
	Short: "send a file to a peer",
	Long: `asks the peer for a connection through the relay and, once accepted,
streams the file over a WebRTC data channel`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, path := args[0], args[1]

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if sendName != "" {
			cfg.DisplayName = sendName
		}
		log := newLogger(cfg)

		file, err := node.OpenFile(path)
		if err != nil {
			return err
		}
		defer file.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.node.SelectFile(file); err != nil {
			return err
		}
		if err := s.node.InitiateConnection(ctx, peerID); err != nil {
			return err
		}

		log.Infof("Waiting for %s to accept", peerID)
		if err := s.waitConnected(ctx); err != nil {
			return err
		}

		// Tell the peer when we are interrupted mid-transfer.
		stopCancel := context.AfterFunc(ctx, s.node.CancelFileTransfer)
		defer stopCancel()

		if err := s.node.SendFile(ctx); err != nil {
			if errors.Is(err, node.ErrTransferCancelled) {
				log.Warn("Transfer cancelled")
			}
			return err
		}

		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		defer cancel()
		if err := s.node.Drain(drainCtx); err != nil {
			log.Warnf("Not all data may have reached %s: %v", peerID, err)
		}

		log.Infof("Sent %s (%s) to %s", file.Name, humanize.IBytes(uint64(file.Size)), peerID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendName, "name", "", "display name shown to the receiver")
}
