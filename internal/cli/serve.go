package cli

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, ingestion trigger, and task runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var ingestForce bool

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Ingest(cmd.Context(), ingestForce)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale tokens, finished tasks, and expired cache rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sweep(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "Skip the local publication hour gate")
}
