// Command petid serves and drives the dog nose-print identification
// pipeline.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "petid",
		Short:         "Identify dogs by their nose prints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(flags),
		newAnalyzeCmd(flags),
		newMatchCmd(flags),
		newCompareCmd(flags),
		newEnrollCmd(flags),
		newModelsCmd(flags),
		newBenchCmd(flags),
	)
	return cmd
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		cmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
