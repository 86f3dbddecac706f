// Package control implements the main controller. Main executes the commands
// of a session one after the other. For every command that runs clients it
// starts the statistics collector, drives the remotes and its own local
// clients through the run and cleans up afterwards.
package control

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/m-lab/tatp-orchestrator/await"
	"github.com/m-lab/tatp-orchestrator/clocksync"
	"github.com/m-lab/tatp-orchestrator/endpoint"
	"github.com/m-lab/tatp-orchestrator/launcher"
	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/plan"
	"github.com/m-lab/tatp-orchestrator/protocol"
	"github.com/m-lab/tatp-orchestrator/sink"
)

const role = "main"

// Config holds the settings of main.
type Config struct {
	ListenAddress string
	// AdvertiseHost replaces the host of the addresses handed to remotes.
	AdvertiseHost    string
	StatisticsListen string
	ClientListen     string
	// Threshold is the largest clock skew a run starts with.
	Threshold time.Duration
	// ControlWait bounds the waits for remotes and statistics.
	ControlWait time.Duration
	// ClientWait bounds the waits for clients.
	ClientWait   time.Duration
	Poll         time.Duration
	LogDir       string
	ResultSink   string
	Verbosity    int
	DialAttempts uint
	DialDelay    time.Duration
}

func (c *Config) defaults() {
	if c.StatisticsListen == "" {
		c.StatisticsListen = "127.0.0.1:0"
	}
	if c.ClientListen == "" {
		c.ClientListen = "127.0.0.1:0"
	}
	if c.Threshold <= 0 {
		c.Threshold = clocksync.DefaultThreshold
	}
	if c.ControlWait <= 0 {
		c.ControlWait = 30 * time.Second
	}
	if c.ClientWait <= 0 {
		c.ClientWait = 30 * time.Second
	}
	if c.Poll <= 0 {
		c.Poll = 10 * time.Millisecond
	}
	if c.LogDir == "" {
		c.LogDir = "."
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 20
	}
	if c.DialDelay <= 0 {
		c.DialDelay = 250 * time.Millisecond
	}
}

// SQLExecutor runs the statement of an execute_sql command against the
// target database.
type SQLExecutor interface {
	Exec(ctx context.Context, connect, statement string) error
}

// remoteState is what main knows about a configured remote. The connection
// is re-established lazily when it drops.
type remoteState struct {
	plan.RemoteDescriptor
	ID        protocol.NodeID
	peer      *endpoint.Peer
	PingOK    bool
	ClientsUp bool
}

// Result is the outcome of one execution of a command.
type Result struct {
	Command   plan.Command      `json:"command"`
	Name      string            `json:"name,omitempty"`
	TestRunID int64             `json:"test_run_id,omitempty"`
	Repeat    int               `json:"repeat,omitempty"`
	Average   float64           `json:"average_mqth"`
	Severity  protocol.Severity `json:"-"`
	Outcome   string            `json:"outcome"`
	Err       error             `json:"-"`
	Error     string            `json:"error,omitempty"`
}

// Controller is main. It is driven by one goroutine; only the status is
// shared with the HTTP handlers.
type Controller struct {
	// SQL runs execute_sql commands. Without it they fail.
	SQL SQLExecutor
	// Clock times sleeps and the test timer.
	Clock clock.Clock

	cfg      Config
	launcher launcher.ProcessLauncher
	ids      sink.IDAllocator
	ep       *endpoint.Endpoint
	log      *log.Entry
	remotes  []*remoteState
	session  int64

	mu     sync.Mutex
	status Status
}

// New opens the endpoint of main.
func New(cfg Config, l launcher.ProcessLauncher, ids sink.IDAllocator) (*Controller, error) {
	cfg.defaults()
	ep, err := endpoint.Listen(role, cfg.ListenAddress)
	if err != nil {
		return nil, err
	}
	return &Controller{
		Clock:    clock.RealClock{},
		cfg:      cfg,
		launcher: l,
		ids:      ids,
		ep:       ep,
		log:      logging.ForNode(role, int32(protocol.MainID)),
	}, nil
}

// Addr returns the address of the endpoint of main.
func (c *Controller) Addr() string {
	return c.ep.Addr()
}

// Close drops every remote connection and closes the endpoint.
func (c *Controller) Close() error {
	for _, rs := range c.remotes {
		c.drop(rs)
	}
	return c.ep.Close()
}

func (c *Controller) controlWait() await.Config {
	return await.Config{MaxWait: c.cfg.ControlWait, Poll: c.cfg.Poll, Role: role}
}

func (c *Controller) clientWait() await.Config {
	return await.Config{MaxWait: c.cfg.ClientWait, Poll: c.cfg.Poll, Role: role}
}

// advertised rewrites addr for peers on other machines.
func (c *Controller) advertised(addr string) string {
	if c.cfg.AdvertiseHost == "" {
		return addr
	}
	scheme := ""
	if strings.HasPrefix(addr, endpoint.WSScheme) {
		scheme, addr = endpoint.WSScheme, strings.TrimPrefix(addr, endpoint.WSScheme)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return scheme + addr
	}
	return scheme + net.JoinHostPort(c.cfg.AdvertiseHost, port)
}

func (c *Controller) drop(rs *remoteState) {
	if rs.peer != nil {
		warnonerror.Close(rs.peer, "could not close remote connection")
		rs.peer = nil
	}
}

// RunSession validates s and executes its commands in order. It stops early
// only on a fatal error, which it returns.
func (c *Controller) RunSession(ctx context.Context, s *plan.Session) ([]Result, error) {
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session")
	}
	for _, rs := range c.remotes {
		c.drop(rs)
	}
	c.remotes = c.remotes[:0]
	for i, r := range s.Remotes {
		c.remotes = append(c.remotes, &remoteState{RemoteDescriptor: r, ID: protocol.RemoteID(i)})
	}
	sid, err := c.ids.NextSessionID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "allocating a session id")
	}
	c.session = sid
	c.setSession(sid, s.Name)
	c.log.WithFields(log.Fields{"session": sid, "name": s.Name, "commands": len(s.Commands)}).Info("session started")

	var results []Result
	for i := range s.Commands {
		p := &s.Commands[i]
		for _, r := range c.Execute(ctx, p) {
			results = append(results, r)
			if r.Severity == protocol.Fatal {
				return results, r.Err
			}
		}
		if p.Command.IsPopulate() && s.PostPopulationDelay > 0 {
			c.log.Infof("waiting %v after population", s.PostPopulationDelay)
			if err := c.sleep(ctx, s.PostPopulationDelay); err != nil {
				return results, err
			}
		}
	}
	c.log.WithField("session", sid).Info("session complete")
	return results, nil
}

// Execute runs one command, once per repeat for run commands.
func (c *Controller) Execute(ctx context.Context, p *plan.TestRunPlan) []Result {
	c.setCommand(p.String())
	switch {
	case p.Command == plan.Sleep:
		return []Result{c.record(Result{Command: p.Command, Name: p.Name}, c.sleep(ctx, p.Duration))}
	case p.Command == plan.ExecuteSQL:
		var err error
		if c.SQL == nil {
			err = errors.New("no SQL executor configured")
		} else {
			err = c.SQL.Exec(ctx, p.ConnectString, p.Statement)
		}
		return []Result{c.record(Result{Command: p.Command, Name: p.Name}, err)}
	}
	var results []Result
	for rep := 1; rep <= p.Repeats; rep++ {
		r := Result{Command: p.Command, Name: p.Name, Repeat: rep}
		var err error
		r.TestRunID, r.Average, err = c.runOnce(ctx, p)
		r = c.record(r, err)
		results = append(results, r)
		if r.Severity == protocol.Fatal {
			break
		}
	}
	return results
}

func (c *Controller) record(r Result, err error) Result {
	r.Err = err
	r.Severity = Classify(err)
	r.Outcome = r.Severity.String()
	if err != nil {
		r.Error = err.Error()
	}
	metrics.RunOutcomes.WithLabelValues(string(r.Command), r.Outcome).Inc()
	entry := c.log.WithFields(log.Fields{"command": r.Command, "test_run": r.TestRunID, "severity": r.Outcome})
	switch r.Severity {
	case protocol.Success:
		entry.Info("command complete")
	case protocol.Warning:
		entry.WithError(err).Warn("command complete with warnings")
	default:
		entry.WithError(err).Error("command failed")
	}
	c.addResult(r)
	return r
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-c.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
