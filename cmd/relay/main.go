package main

import (
	"os"

	"github.com/rudransh-shrivastava/peer-drop/internal/client/cmd"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
)

func main() {
	relay := cmd.NewRelayCommand()
	relay.Use = "peer-drop-relay"
	relay.SilenceUsage = true

	if err := relay.Execute(); err != nil {
		logger.New(os.Stderr, "info").Fatal(err)
	}
}
