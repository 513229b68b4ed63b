package cmd

import (
	"os"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dataDirFlag  string
	relayFlag    string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:           `peer-drop`,
	Long:          `peer-drop sends a file straight to another peer over a WebRTC data channel`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.New(os.Stderr, "info").Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "directory holding config.json and the database")
	rootCmd.PersistentFlags().StringVar(&relayFlag, "relay", "", "signaling relay url, overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level, overrides the config file")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(NewRelayCommand())
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(idCmd)
}

// loadConfig resolves the data dir, loads its config and applies the
// persistent flag overrides.
func loadConfig() (*config.Config, string, error) {
	dataDir := dataDirFlag
	if dataDir == "" {
		dir, err := config.ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = dir
	}

	cfg, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return nil, "", err
	}
	if relayFlag != "" {
		cfg.RelayURL = relayFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	return cfg, dataDir, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	return logger.New(os.Stderr, cfg.LogLevel)
}
