package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tmakela/flowsift/cmd/analyze"
	"github.com/tmakela/flowsift/cmd/fetch"
	"github.com/tmakela/flowsift/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowsift",
		Short: "Flow asymmetry analysis CLI",
		Long:  `flowsift ingests directed flow data from an external statistical source and computes per-origin concentration statistics.`,
	}

	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		fetch.Command(settings),
		analyze.Command(settings),
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Flag values take precedence over the config file; validate the
		// merged settings before any subcommand runs.
		if err := conf.ValidateSettings(settings); err != nil {
			return err
		}
		return nil
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().IntVarP(&settings.Source.Year, "year", "y", viper.GetInt("source.year"), "Survey year to query")
	rootCmd.PersistentFlags().IntVarP(&settings.Ingest.Concurrency, "concurrency", "c", viper.GetInt("ingest.concurrency"), "Maximum concurrent anchor queries")
	rootCmd.PersistentFlags().StringVarP(&settings.Ingest.AnchorsFile, "anchors", "a", viper.GetString("ingest.anchorsfile"), "Path to file listing anchor entity ids")
	rootCmd.PersistentFlags().StringVarP(&settings.Output.Directory, "output", "o", viper.GetString("output.directory"), "Directory for CSV outputs")
	rootCmd.PersistentFlags().Float64Var(&settings.Analysis.Flagging.ShareRatio, "share-ratio", viper.GetFloat64("analysis.flagging.shareratio"), "Observed/expected share ratio required to flag an edge")
	rootCmd.PersistentFlags().Float64Var(&settings.Analysis.Flagging.MinEdgeVolume, "min-edge-volume", viper.GetFloat64("analysis.flagging.minedgevolume"), "Minimum edge magnitude required to flag an edge")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
