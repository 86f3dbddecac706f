// Package client implements the client role. A client registers with the
// statistics collector, reports Ok to the controller that spawned it, takes
// part in clock synchronization, runs its workload once told to start and
// finally ships its samples to the statistics collector.
package client

import (
	"context"
	"fmt"
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
)

const role = "client"

// Options tunes a client. Zero values select the defaults.
type Options struct {
	Workload Workload
	Clock    clock.Clock
	// Wait bounds the silence tolerated between control messages.
	Wait await.Config
	// EchoDelay holds back every Time answer. Tests use it to simulate skew.
	EchoDelay    time.Duration
	DialAttempts uint
	DialDelay    time.Duration
}

func (o *Options) defaults() {
	if o.Workload == nil {
		o.Workload = &Synthetic{}
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Wait.Poll <= 0 {
		o.Wait.Poll = 100 * time.Millisecond
	}
	if o.Wait.MaxWait <= 0 {
		o.Wait.MaxWait = 10 * time.Minute
	}
	o.Wait.Role = role
	if o.DialAttempts == 0 {
		o.DialAttempts = 20
	}
	if o.DialDelay <= 0 {
		o.DialDelay = 250 * time.Millisecond
	}
}

// ErrInterrupted is returned by a client told to stop before the test
// started. It counts as an error in the Logout of the client, so the
// statistics collector never stores results of an interrupted run.
var ErrInterrupted = errors.New("interrupted by the controller")

// SequenceError reports a control message that arrived out of order or from
// a node that does not control clients.
type SequenceError struct {
	Got  protocol.Message
	Last protocol.MessageType
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("unexpected %s after %s", e.Got, e.Last)
}

type client struct {
	p       launcher.Params
	opts    Options
	log     *log.Entry
	ep      *endpoint.Endpoint
	control *endpoint.Peer
	rec     *Recorder
}

// Run executes the client described by p until its part of the run is over.
// The returned error is also reported to the statistics collector as a
// non-zero error count.
func Run(ctx context.Context, p launcher.Params, opts Options) error {
	opts.defaults()
	c := &client{
		p:    p,
		opts: opts,
		log:  logging.ForNode(role, int32(p.ID)),
		rec:  NewRecorder(opts.Clock, p.ThroughputResolution),
	}
	listen := p.ListenAddress
	if listen == "" {
		listen = "127.0.0.1:0"
	}
	ep, err := endpoint.Listen(role, listen)
	if err != nil {
		return err
	}
	defer warnonerror.Close(ep, "could not close client endpoint")
	c.ep = ep

	stats, err := endpoint.DialRetry(ctx, role, p.ID, protocol.StatisticsID, p.StatisticsAddress, opts.DialAttempts, opts.DialDelay)
	if err != nil {
		c.log.WithError(err).Error("cannot reach statistics")
		return err
	}
	defer warnonerror.Close(stats, "could not close statistics connection")
	if err := stats.Send(protocol.Register, protocol.Registration{TestRunID: p.TestRunID}); err != nil {
		c.log.WithError(err).Error("registration failed")
		return err
	}

	results, err := c.run(ctx)
	failures := c.rec.Errors()
	if err != nil {
		c.log.WithError(err).Error("client failed")
		failures++
	}
	if results && err == nil {
		if err = c.sendResults(stats); err != nil {
			c.log.WithError(err).Error("sending results to statistics failed")
			failures++
		}
	}
	if lerr := stats.Send(protocol.Logout, protocol.Scalar{Value: float64(failures)}); lerr != nil && err == nil {
		err = lerr
	}
	c.log.WithField("errors", failures).Info("logged out")
	return err
}

// run reports whether results should be sent.
func (c *client) run(ctx context.Context) (bool, error) {
	control, err := endpoint.DialRetry(ctx, role, c.p.ID, c.p.ControlID, c.p.ControlAddress, c.opts.DialAttempts, c.opts.DialDelay)
	if err != nil {
		return false, err
	}
	defer warnonerror.Close(control, "could not close control connection")
	c.control = control
	if err := control.Send(protocol.Ok, protocol.Ready{Address: c.ep.Addr()}); err != nil {
		return false, err
	}
	metrics.ActiveClients.WithLabelValues(role).Inc()
	defer metrics.ActiveClients.WithLabelValues(role).Dec()

	started, err := c.waitForStart(ctx)
	if err != nil || !started {
		return false, err
	}
	c.log.WithField("origin", c.rec.origin.String()).Info("test started")
	if err := c.opts.Workload.Run(ctx, c.p, c.rec); err != nil {
		return false, err
	}
	return !plan.Command(c.p.Command).IsPopulate(), nil
}

// waitForStart follows the control sequence Ok, Time, StartTest. Interrupt
// is accepted at any point and ends the client with ErrInterrupted.
func (c *client) waitForStart(ctx context.Context) (bool, error) {
	last := protocol.Ok
	started, interrupted := false, false
	err := await.Collect(ctx, c.ep, c.opts.Wait, "start of the test", func(m protocol.Message) (bool, error) {
		if !m.Sender.IsController() {
			return false, &SequenceError{Got: m, Last: last}
		}
		switch m.Type {
		case protocol.Time:
			if last != protocol.Ok {
				return false, &SequenceError{Got: m, Last: last}
			}
			if c.opts.EchoDelay > 0 {
				c.opts.Clock.Sleep(c.opts.EchoDelay)
			}
			value, err := clocksync.Echo(c.control, m)
			if err != nil {
				return false, err
			}
			c.rec.Synchronize(value)
		case protocol.StartTest:
			if last != protocol.Time {
				return false, &SequenceError{Got: m, Last: last}
			}
			origin := c.rec.Now()
			var tv protocol.TimeValue
			if len(m.Payload) > 0 {
				if err := m.Decode(&tv); err != nil {
					return false, err
				}
				origin = tv.Elapsed
			}
			c.rec.Start(origin)
			started = true
			return true, nil
		case protocol.Interrupt:
			c.log.Warn("interrupted before the start of the test")
			interrupted = true
			return true, nil
		default:
			return false, &SequenceError{Got: m, Last: last}
		}
		last = m.Type
		return false, nil
	})
	if err == nil && interrupted {
		err = ErrInterrupted
	}
	return started, err
}

func (c *client) sendResults(stats *endpoint.Peer) error {
	for _, s := range c.rec.Throughput() {
		if err := stats.Send(protocol.Mqth, s); err != nil {
			return err
		}
	}
	for _, s := range c.rec.Latencies() {
		if err := stats.Send(protocol.RespTime, s); err != nil {
			return err
		}
	}
	return nil
}
