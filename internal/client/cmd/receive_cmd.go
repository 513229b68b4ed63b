package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/spf13/cobra"
)

var (
	receiveYes   bool
	receiveFrom  string
	receiveOut   string
	receiveCount int
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "wait for a peer to send a file",
	Long: `prints this peer's id, accepts incoming connection requests and saves
received files to the download directory`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		outDir := receiveOut
		if outDir == "" {
			outDir = cfg.DownloadDir
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create download dir: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()

		log.Infof("Waiting for files, share your id: %s", cfg.PeerID)

		stdin := bufio.NewReader(os.Stdin)
		received := 0
		for {
			select {
			case <-ctx.Done():
				return nil

			case req := <-s.observer.requests:
				if err := answerRequest(ctx, s, stdin, req); err != nil {
					log.Warn(err)
				}

			case f := <-s.observer.files:
				path := availablePath(outDir, node.SafeFileName(f.Name))
				if err := s.blobs.Save(f.URL, path); err != nil {
					return err
				}
				s.blobs.Revoke(f.URL)
				log.Infof("Saved %s (%s) to %s", f.Name, humanize.IBytes(uint64(f.Size)), path)

				received++
				if receiveCount > 0 && received >= receiveCount {
					return nil
				}
			}
		}
	},
}

func answerRequest(ctx context.Context, s *session, stdin *bufio.Reader, req node.ConnectionRequest) error {
	if receiveFrom != "" && req.Sender != receiveFrom {
		s.logger.Infof("Rejecting %s, only accepting %s", req.Name(), receiveFrom)
		return s.node.RejectConnectionRequest(ctx, req.Sender)
	}

	if !receiveYes {
		fmt.Fprintf(os.Stderr, "Accept connection from %s (%s)? [y/N] ", req.Name(), req.Sender)
		line, _ := stdin.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			return s.node.RejectConnectionRequest(ctx, req.Sender)
		}
	}
	return s.node.AcceptConnectionRequest(ctx, req.Sender)
}

// availablePath returns dir/name, or dir/"name (n).ext" when that file
// already exists.
func availablePath(dir, name string) string {
	path := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
}

func init() {
	receiveCmd.Flags().BoolVarP(&receiveYes, "yes", "y", false, "accept connection requests without asking")
	receiveCmd.Flags().StringVar(&receiveFrom, "from", "", "only accept requests from this peer id")
	receiveCmd.Flags().StringVarP(&receiveOut, "out", "o", "", "directory for received files (defaults to the config download dir)")
	receiveCmd.Flags().IntVarP(&receiveCount, "count", "n", 1, "exit after this many files, 0 to keep running")
}
