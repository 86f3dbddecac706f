package cmd

import (
	"github.com/spf13/cobra"

	"github.com/m-lab/tatp-orchestrator/client"
	"github.com/m-lab/tatp-orchestrator/launcher"
	"github.com/m-lab/tatp-orchestrator/logging"
)

var (
	statisticsParams = launcher.Params{Role: launcher.StatisticsRole}
	clientParams     = launcher.Params{Role: launcher.ClientRole}
	workload         client.Synthetic
)

func init() {
	launcher.BindFlags(statisticsCmd.Flags(), &statisticsParams)
	launcher.BindFlags(clientCmd.Flags(), &clientParams)
	clientCmd.Flags().DurationVar(&workload.Interval, "interval", client.DefaultInterval, "Mean time between two synthetic transactions")
	clientCmd.Flags().DurationVar(&workload.Latency, "latency", client.DefaultLatency, "Mean response time of a synthetic transaction")
}

var statisticsCmd = &cobra.Command{
	Use:    "statistics",
	Short:  "Collect the results of one test run",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.SetVerbosity(statisticsParams.Verbosity)
		ctx, cancel := signalContext()
		defer cancel()
		return runStatistics(ctx, statisticsParams)
	},
}

var clientCmd = &cobra.Command{
	Use:    "client",
	Short:  "Run one load generating client",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.SetVerbosity(clientParams.Verbosity)
		ctx, cancel := signalContext()
		defer cancel()
		return client.Run(ctx, clientParams, client.Options{Workload: &workload})
	},
}
