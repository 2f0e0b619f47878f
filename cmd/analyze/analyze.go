package analyze

import (
	"github.com/spf13/cobra"
	"github.com/tmakela/flowsift/internal/analysis"
	"github.com/tmakela/flowsift/internal/conf"
)

// Command creates the analyze command, which runs the full pipeline.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the full flow asymmetry analysis pipeline",
		Long:  `Ingest flows for every configured anchor, assemble the canonical flow table, compute per-origin concentration statistics, rank origin groups, flag concentrated edges, aggregate by region, and write all output tables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return analysis.Run(cmd.Context(), settings)
		},
	}

	setupFlags(cmd, settings)

	return cmd
}

// setupFlags configures flags specific to the analyze command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.Flags().IntVar(&settings.Analysis.Eligibility.MinDestinations, "min-destinations", settings.Analysis.Eligibility.MinDestinations, "Minimum distinct destinations per origin group")
	cmd.Flags().Float64Var(&settings.Analysis.Eligibility.MinTotalVolume, "min-total-volume", settings.Analysis.Eligibility.MinTotalVolume, "Minimum total outgoing magnitude per origin group")
	cmd.Flags().StringVar(&settings.Region.MappingFile, "region-mapping", settings.Region.MappingFile, "Path to a YAML entity-to-region mapping file")
}
