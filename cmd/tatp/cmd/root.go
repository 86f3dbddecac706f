package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-lab/go/prometheusx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"github.com/m-lab/tatp-orchestrator/client"
	"github.com/m-lab/tatp-orchestrator/config"
	"github.com/m-lab/tatp-orchestrator/launcher"
	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/statistics"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tatp command",
	Short: "Distributed TATP load test orchestrator",
	Long: `
Distributed TATP load test orchestrator.

Main reads a session file and executes its commands. For every run it spawns a
statistics collector and local clients, and drives remote controllers on other
machines that spawn clients of their own. The statistics and client commands
are started by the controllers and are not meant to be run by hand.

Settings can be kept in a YAML file passed with --config. Every setting can
also be given as a TATP_* environment variable, for example TATP_THRESHOLD=20ms.
`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML file holding the settings of the role")
	rootCmd.AddCommand(mainCmd, remoteCmd, statisticsCmd, clientCmd)
}

// Execute runs the command line. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Logger.WithError(err).Error("tatp failed")
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadConfig reads the settings of a role. flags maps flag names to setting
// keys; a flag given on the command line wins over the file and the
// environment.
func loadConfig(fs *pflag.FlagSet, flags map[string]string, defaults func(v *viper.Viper), out interface{}) error {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}
	if defaults != nil {
		defaults(v)
	}
	for name, key := range flags {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return errors.Wrapf(err, "binding --%s", name)
		}
	}
	return config.Decode(v, out)
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	*prometheusx.ListenAddress = addr
	prometheusx.MustServeMetrics()
}

// newLauncher returns the launcher of a controller. In process, spawned
// roles run as goroutines of this process.
func newLauncher(inprocess bool, role string) (launcher.ProcessLauncher, error) {
	if inprocess {
		return &launcher.Func{Run: runSpawned}, nil
	}
	bin, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locating the tatp binary")
	}
	return &launcher.Exec{Binary: bin, Role: role}, nil
}

func runSpawned(ctx context.Context, p launcher.Params) error {
	switch p.Role {
	case launcher.ClientRole:
		return client.Run(ctx, p, client.Options{})
	case launcher.StatisticsRole:
		return runStatistics(ctx, p)
	}
	return errors.Errorf("unknown role %q", p.Role)
}

func runStatistics(ctx context.Context, p launcher.Params) error {
	sinks, err := config.OpenSink(p.ResultSink, p.LogDir)
	if err != nil {
		return err
	}
	defer sinks.Sink.Close()
	if err := sinks.Sink.Ping(ctx); err != nil {
		logging.Logger.WithError(err).Warn("result sink is not reachable")
	}
	return statistics.RunRole(ctx, p, sinks.Sink, clock.RealClock{})
}
