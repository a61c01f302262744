package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "classroom",
		Short: "Dual-path voice pipeline for a virtual classroom",
		Long: `Runs classroom sessions: a realtime speech engine answers the teacher
while every turn is transcribed separately and stored in order.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")

	root.AddCommand(
		newServeCmd(),
		newLocalCmd(),
		newMigrateCmd(),
		newTranscriptCmd(),
	)
	return root
}
