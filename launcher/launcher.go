// Package launcher starts and reaps the client and statistics processes of a
// run.
package launcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/m-lab/tatp-orchestrator/protocol"
)

// Role is the kind of process a launcher starts.
type Role string

// The roles a controller spawns.
const (
	ClientRole     Role = "client"
	StatisticsRole Role = "statistics"
)

// Params is the parameter block of a spawned process. It travels as command
// line flags, see Args and BindFlags.
type Params struct {
	Role    Role
	ID      protocol.NodeID
	Command string
	// ListenAddress is where the process accepts control messages.
	ListenAddress string
	// ControlAddress is the controller the process reports to.
	ControlAddress string
	// ControlID is the id of that controller.
	ControlID         protocol.NodeID
	StatisticsAddress string
	TestRunID         int64
	TransactionFile   string
	ConnectString     string
	SchemaName        string
	Subscribers       int64
	MinSubscriberID   int64
	MaxSubscriberID   int64
	Warmup            time.Duration
	Duration          time.Duration
	Transactions      []string
	// Probabilities holds the percentage of every transaction type.
	Probabilities []int
	// ThroughputResolution is the width of a time slot in seconds.
	ThroughputResolution int
	Verbosity            int
	ReportTPS            bool
	// ResultSink is the sink descriptor of the statistics process.
	ResultSink string
	LogDir     string
}

// BindFlags registers every field of p on fs.
func BindFlags(fs *pflag.FlagSet, p *Params) {
	fs.Int32Var((*int32)(&p.ID), "id", 0, "Node id of this process")
	fs.StringVar(&p.Command, "command", "", "Command the process takes part in")
	fs.StringVar(&p.ListenAddress, "listen", "", "Address to accept control messages on")
	fs.StringVar(&p.ControlAddress, "control", "", "Address of the controller to report to")
	fs.Int32Var((*int32)(&p.ControlID), "control-id", int32(protocol.MainID), "Node id of the controller to report to")
	fs.StringVar(&p.StatisticsAddress, "statistics", "", "Address of the statistics collector")
	fs.Int64Var(&p.TestRunID, "test-run-id", 0, "Id of the test run")
	fs.StringVar(&p.TransactionFile, "transaction-file", "", "Path of the transaction file")
	fs.StringVar(&p.ConnectString, "connect", "", "Target database connect string")
	fs.StringVar(&p.SchemaName, "schema", "", "Target schema name")
	fs.Int64Var(&p.Subscribers, "subscribers", 0, "Subscriber population size")
	fs.Int64Var(&p.MinSubscriberID, "min-subscriber", 0, "Lowest subscriber id used by the client")
	fs.Int64Var(&p.MaxSubscriberID, "max-subscriber", 0, "Highest subscriber id used by the client")
	fs.DurationVar(&p.Warmup, "warmup", 0, "Warm-up duration")
	fs.DurationVar(&p.Duration, "duration", 0, "Run duration")
	fs.StringSliceVar(&p.Transactions, "transactions", nil, "Transaction names of the mix")
	fs.IntSliceVar(&p.Probabilities, "probabilities", nil, "Percentage of every transaction of the mix")
	fs.IntVar(&p.ThroughputResolution, "throughput-resolution", 1, "Seconds per throughput time slot")
	fs.IntVar(&p.Verbosity, "verbosity", 4, "Log verbosity from 0 to 5")
	fs.BoolVar(&p.ReportTPS, "report-tps", false, "Report throughput per second")
	fs.StringVar(&p.ResultSink, "sink", "", "Result sink descriptor")
	fs.StringVar(&p.LogDir, "log-dir", ".", "Directory of client log files")
}

// Args renders p as the flags BindFlags parses, preceded by the role.
func (p Params) Args() []string {
	args := []string{
		string(p.Role),
		"--id=" + strconv.Itoa(int(p.ID)),
		"--command=" + p.Command,
		"--listen=" + p.ListenAddress,
		"--control=" + p.ControlAddress,
		"--control-id=" + strconv.Itoa(int(p.ControlID)),
		"--statistics=" + p.StatisticsAddress,
		"--test-run-id=" + strconv.FormatInt(p.TestRunID, 10),
		"--transaction-file=" + p.TransactionFile,
		"--connect=" + p.ConnectString,
		"--schema=" + p.SchemaName,
		"--subscribers=" + strconv.FormatInt(p.Subscribers, 10),
		"--min-subscriber=" + strconv.FormatInt(p.MinSubscriberID, 10),
		"--max-subscriber=" + strconv.FormatInt(p.MaxSubscriberID, 10),
		"--warmup=" + p.Warmup.String(),
		"--duration=" + p.Duration.String(),
		"--throughput-resolution=" + strconv.Itoa(p.ThroughputResolution),
		"--verbosity=" + strconv.Itoa(p.Verbosity),
		"--report-tps=" + strconv.FormatBool(p.ReportTPS),
		"--sink=" + p.ResultSink,
		"--log-dir=" + p.LogDir,
	}
	if len(p.Transactions) > 0 {
		args = append(args, "--transactions="+strings.Join(p.Transactions, ","))
	}
	if len(p.Probabilities) > 0 {
		probs := make([]string, len(p.Probabilities))
		for i, v := range p.Probabilities {
			probs[i] = strconv.Itoa(v)
		}
		args = append(args, "--probabilities="+strings.Join(probs, ","))
	}
	return args
}

func (p Params) String() string {
	return fmt.Sprintf("%s(%d)", p.Role, p.ID)
}

// Handle identifies a spawned process.
type Handle interface {
	Params() Params
}

// ExitStatus is the outcome of a reaped process.
type ExitStatus struct {
	Code int
	Err  error
}

// Success reports whether the process exited cleanly.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Err == nil
}

// ProcessLauncher starts processes and reaps them.
type ProcessLauncher interface {
	Spawn(ctx context.Context, p Params) (Handle, error)
	// Reap waits for the process to exit. A process still running when ctx
	// ends is killed.
	Reap(ctx context.Context, h Handle) (ExitStatus, error)
}
