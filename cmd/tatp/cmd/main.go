package cmd

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/m-lab/tatp-orchestrator/config"
	"github.com/m-lab/tatp-orchestrator/control"
	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/plan"
)

var mainInProcess bool

var mainFlags = map[string]string{
	"listen":          "listen",
	"advertise-host":  "advertise_host",
	"threshold":       "threshold",
	"sink":            "sink",
	"data-dir":        "data_dir",
	"log-dir":         "log_dir",
	"verbosity":       "verbosity",
	"metrics-address": "metrics_address",
	"status-address":  "status_address",
}

func init() {
	fs := mainCmd.Flags()
	fs.String("listen", config.DefaultMainAddress, "Address main accepts messages on")
	fs.String("advertise-host", "", "Host name remotes use to reach main and statistics")
	fs.Duration("threshold", 0, "Largest clock skew a run starts with")
	fs.String("sink", "", "Result sink: memory, file:///dir, redis://host:port or kafka://broker/topic")
	fs.String("data-dir", "data", "Directory of result files and id counters")
	fs.String("log-dir", ".", "Directory of process logs")
	fs.Int("verbosity", 4, "Log verbosity from 0 to 5")
	fs.String("metrics-address", "", "Address to serve Prometheus metrics on")
	fs.String("status-address", "", "Address to serve the status of the session on")
	fs.BoolVar(&mainInProcess, "inprocess", false, "Run statistics and local clients inside this process")
}

var mainCmd = &cobra.Command{
	Use:   "main ./path/to/session.yaml",
	Short: "Execute the commands of a session",
	Long: `Execute the commands of a session file.

	Example session.yaml:

	name: nightly
	post_population_delay: 30s
	remotes:
	  - name: loadgen1
	    address: 10.0.0.2:2808
	commands:
	  - command: populate
	    subscribers: 100000
	    transaction_file: tatp.tdf
	    mix:
	      - name: GET_SUBSCRIBER_DATA
	        probability: 100
	    clients:
	      - clients: 1
	  - command: run
	    warmup: 2m
	    duration: 10m
	    transaction_file: tatp.tdf
	    mix:
	      - name: GET_SUBSCRIBER_DATA
	        probability: 80
	      - name: UPDATE_LOCATION
	        probability: 20
	    clients:
	      - clients: 4
	      - remote: loadgen1
	        clients: 8
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg config.Main
		if err := loadConfig(cmd.Flags(), mainFlags, nil, &cfg); err != nil {
			return err
		}
		logging.SetVerbosity(cfg.Verbosity)
		session, err := config.LoadSession(args[0])
		if err != nil {
			return err
		}
		if cfg.ResultSink == "" {
			dir, err := filepath.Abs(cfg.DataDir)
			if err != nil {
				return err
			}
			cfg.ResultSink = "file://" + dir
		}
		sinks, err := config.OpenSink(cfg.ResultSink, cfg.DataDir)
		if err != nil {
			return err
		}
		defer sinks.Sink.Close()

		ctx, cancel := signalContext()
		defer cancel()
		if err := sinks.Sink.Ping(ctx); err != nil {
			return errors.Wrapf(err, "result sink %s", cfg.ResultSink)
		}
		l, err := newLauncher(mainInProcess, "main")
		if err != nil {
			return err
		}
		c, err := control.New(cfg.Control(), l, sinks.IDs)
		if err != nil {
			return err
		}
		defer c.Close()
		serveMetrics(cfg.MetricsAddress)
		return runSession(ctx, c, cfg.StatusAddress, session)
	},
}

// runSession executes s while serving the status of c on statusAddr.
func runSession(ctx context.Context, c *control.Controller, statusAddr string, s *plan.Session) error {
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	if statusAddr != "" {
		srv := &http.Server{Addr: statusAddr, Handler: c.Handler()}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-done:
			case <-ctx.Done():
			}
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}
	g.Go(func() error {
		defer close(done)
		results, err := c.RunSession(ctx, s)
		for _, r := range results {
			logging.Logger.WithFields(log.Fields{
				"command":  r.Command,
				"name":     r.Name,
				"test_run": r.TestRunID,
				"repeat":   r.Repeat,
				"mqth":     r.Average,
				"outcome":  r.Outcome,
			}).Info("result")
		}
		return err
	})
	return g.Wait()
}
