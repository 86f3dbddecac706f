package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/m-lab/tatp-orchestrator/await"
	"github.com/m-lab/tatp-orchestrator/config"
	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/remote"
)

var remoteInProcess bool

var remoteFlags = map[string]string{
	"listen":          "listen",
	"dir":             "dir",
	"verbosity":       "verbosity",
	"metrics-address": "metrics_address",
}

func init() {
	fs := remoteCmd.Flags()
	fs.String("listen", config.DefaultRemoteAddress, "Address the remote accepts messages from main on")
	fs.String("dir", ".", "Directory of received files and client logs")
	fs.Int("verbosity", 4, "Log verbosity from 0 to 5")
	fs.String("metrics-address", "", "Address to serve Prometheus metrics on")
	fs.BoolVar(&remoteInProcess, "inprocess", false, "Run clients inside this process")
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Spawn clients on behalf of main",
	Long: `Wait for main to connect and spawn clients on this machine when it asks to.
The remote serves one main at a time and runs until it is stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg config.Remote
		defaults := func(v *viper.Viper) { v.SetDefault("listen", config.DefaultRemoteAddress) }
		if err := loadConfig(cmd.Flags(), remoteFlags, defaults, &cfg); err != nil {
			return err
		}
		logging.SetVerbosity(cfg.Verbosity)
		l, err := newLauncher(remoteInProcess, "remote")
		if err != nil {
			return err
		}
		rc, err := remote.New(remote.Config{
			ListenAddress: cfg.ListenAddress,
			ClientListen:  cfg.ClientListen,
			Dir:           cfg.Dir,
			Wait:          await.Config{MaxWait: cfg.Wait, Poll: cfg.Poll},
		}, l)
		if err != nil {
			return err
		}
		logging.Logger.Infof("remote listening on %s", rc.Addr())
		serveMetrics(cfg.MetricsAddress)
		ctx, cancel := signalContext()
		defer cancel()
		return rc.Run(ctx)
	},
}
