// Package cli wires configuration, storage, the realtime hub, and the
// execution pipeline into the server process, and owns its lifecycle
// from flag parsing to graceful shutdown.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "collab-server",
	Short: "realtime collaboration server for the code editor",
	Long: `Serves the collaboration backend: document CRUD and share links over
HTTP, live editing and presence over websockets, and sandboxed code
execution through a durable job queue.

Configuration comes from environment variables, an optional config.yaml,
and an optional .env file; the environment wins.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	RootCmd.AddCommand(migrateCmd)
}

// Execute runs the root command. Any error, including a failed
// migration, exits non-zero.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
