package main

import (
	"context"
	"time"

	"github.com/nvr-ai/go-petid/benchmark"
	"github.com/spf13/cobra"
)

type benchFlags struct {
	scenarios  string
	iterations int
	output     string
}

func newBenchCmd(flags *rootFlags) *cobra.Command {
	bf := &benchFlags{}
	cmd := &cobra.Command{
		Use:   "bench <dir>",
		Short: "Time the pipeline over the images in a directory",
		Long: "Time the pipeline over the images in a directory. Without --scenarios,\n" +
			"every operation runs for each loaded comparator variant at the quick\n" +
			"downscale bounds.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				suite := benchmark.NewSuite(a.svc, a.log, bf.output)
				if err := suite.LoadCorpus(args[0]); err != nil {
					return err
				}

				var scenarios []benchmark.Scenario
				if bf.scenarios != "" {
					var err error
					if scenarios, err = benchmark.LoadScenarios(bf.scenarios); err != nil {
						return err
					}
				} else {
					scenarios = benchmark.QuickScenarios(a.svc.Models().Variants, bf.iterations)
				}
				for _, s := range scenarios {
					if err := suite.AddScenario(s); err != nil {
						return err
					}
				}

				results, err := suite.RunAllScenarios(ctx)
				if err != nil {
					return err
				}
				paths, err := suite.SaveResults(time.Now())
				if err != nil {
					return err
				}
				for _, p := range paths {
					a.log.WithField("path", p).Info("benchmark results saved")
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().StringVar(&bf.scenarios, "scenarios", "", "YAML file with a scenarios list")
	cmd.Flags().IntVar(&bf.iterations, "iterations", 20, "timed runs per quick scenario")
	cmd.Flags().StringVarP(&bf.output, "output", "o", "", "directory for JSON and CSV results")
	return cmd
}
