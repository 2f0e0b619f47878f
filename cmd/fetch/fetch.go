package fetch

import (
	"github.com/spf13/cobra"
	"github.com/tmakela/flowsift/internal/analysis"
	"github.com/tmakela/flowsift/internal/conf"
)

// Command creates the fetch command, which ingests flows for the configured
// anchors and persists the assembled canonical table.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Ingest flow data and persist the canonical flow table",
		Long:  `Query the flow source for every configured anchor in both roles, assemble the canonical flow table, and store it in the configured database for later analysis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return analysis.Fetch(cmd.Context(), settings)
		},
	}

	setupFlags(cmd, settings)

	return cmd
}

// setupFlags configures flags specific to the fetch command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.Flags().BoolVar(&settings.Output.SQLite.Enabled, "sqlite", true, "Enable SQLite output")
	cmd.Flags().StringVar(&settings.Output.SQLite.Path, "sqlite-path", settings.Output.SQLite.Path, "Path to the SQLite database file")
}
