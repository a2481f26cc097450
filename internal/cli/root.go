// Package cli holds the fern commands.
package cli

import "github.com/spf13/cobra"

// RootCmd returns the fern command with every subcommand attached
func RootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "fern",
		Short:   "Dead-letter queue intelligence and auto-replay",
		Version: version,
		Long: `fern scans broker dead-letter queues, classifies why messages failed,
keeps a searchable history, and replays matching messages by rule.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(ScanCmd())
	rootCmd.AddCommand(MigrateCmd())
	return rootCmd
}
