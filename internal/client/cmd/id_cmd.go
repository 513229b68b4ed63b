package cmd

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/spf13/cobra"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "print this peer's id",
	Long:  `prints the peer id other peers use to send files here, creating the config on first use`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dataDir, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println(cfg.PeerID)
		if cfg.DisplayName != "" {
			fmt.Printf("name:   %s\n", cfg.DisplayName)
		}
		fmt.Printf("config: %s\n", config.Path(dataDir))
		fmt.Printf("relay:  %s\n", cfg.RelayURL)
		return nil
	},
}
