// Package statistics implements the statistics collector: it receives the
// samples of every client of a run and turns them into response time
// percentiles and a throughput time series.
package statistics

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/protocol"
	"github.com/m-lab/tatp-orchestrator/sink"
)

// Phase is a state of the collector.
type Phase int

// The phases in the order a successful run visits them.
const (
	Parameters Phase = iota
	InitTrans
	InitComm
	Messages
	Output
	EndComm
	Final
)

func (p Phase) String() string {
	switch p {
	case Parameters:
		return "Parameters"
	case InitTrans:
		return "InitTrans"
	case InitComm:
		return "InitComm"
	case Messages:
		return "Messages"
	case Output:
		return "Output"
	case EndComm:
		return "EndComm"
	case Final:
		return "Final"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Defaults of the message loop.
const (
	DefaultBatch      = 1000
	DefaultIdle       = time.Millisecond
	DefaultPercentile = 0.9
)

// Config holds the invocation parameters of the collector.
type Config struct {
	TestRunID    int64
	Warmup       time.Duration
	Resolution   int
	Transactions []string
	// Zero values select the defaults.
	MaxTestLength time.Duration
	Batch         int
	Idle          time.Duration
	Percentile    float64
}

func (c *Config) validate() error {
	if c.Resolution < 1 {
		return errors.Errorf("throughput resolution %d is not positive", c.Resolution)
	}
	if c.Warmup < 0 {
		return errors.Errorf("negative warm-up %v", c.Warmup)
	}
	if len(c.Transactions) == 0 {
		return errors.New("no transaction types")
	}
	seen := make(map[string]bool, len(c.Transactions))
	for _, t := range c.Transactions {
		if t == "" || seen[t] {
			return errors.Errorf("bad transaction type list %v", c.Transactions)
		}
		seen[t] = true
	}
	if c.MaxTestLength == 0 {
		c.MaxTestLength = MaxTestLength
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.Idle <= 0 {
		c.Idle = DefaultIdle
	}
	if c.Percentile <= 0 || c.Percentile > 1 {
		c.Percentile = DefaultPercentile
	}
	return nil
}

// Inbox is the non-blocking receive side of the collector's endpoint. An
// Inbox that also has an Addr method has its address reported to main.
type Inbox interface {
	TryReceive() (protocol.Message, bool, error)
}

// Sender sends to main.
type Sender interface {
	Send(t protocol.MessageType, payload interface{}) error
}

// OpenFunc opens the collector's listening endpoint and its connection back
// to main.
type OpenFunc func(ctx context.Context) (Inbox, Sender, error)

// Aggregator is the collector's state. It is owned by the goroutine calling
// Run.
type Aggregator struct {
	cfg   Config
	clock clock.Clock
	open  OpenFunc
	sink  sink.Sink
	log   *log.Entry

	phase Phase
	inbox Inbox
	main  Sender

	ledger     *Ledger
	histograms map[string]*Histogram
	series     *ThroughputSeries

	started      bool
	startedAt    time.Time
	warmupActive bool
	clientErrors int
	errors       int
	average      float64
	fatal        error
}

// New creates a collector. Nothing happens until Run.
func New(cfg Config, c clock.Clock, open OpenFunc, s sink.Sink) *Aggregator {
	return &Aggregator{
		cfg:   cfg,
		clock: c,
		open:  open,
		sink:  s,
		log:   logging.ForNode("statistics", int32(protocol.StatisticsID)),
		phase: Parameters,
	}
}

// Phase returns the current phase.
func (a *Aggregator) Phase() Phase {
	return a.phase
}

// Average returns the steady-state throughput computed in Output.
func (a *Aggregator) Average() float64 {
	return a.average
}

// Run drives the collector to Final. It returns the fatal error that cut the
// run short, if any.
func (a *Aggregator) Run(ctx context.Context) error {
	for a.phase != Final {
		next := a.step(ctx)
		a.log.Debugf("%s -> %s", a.phase, next)
		a.phase = next
	}
	return a.fatal
}

func (a *Aggregator) fail(err error, next Phase) Phase {
	a.log.WithError(err).Error("statistics failed in " + a.phase.String())
	a.errors++
	if a.fatal == nil {
		a.fatal = err
	}
	return next
}

func (a *Aggregator) step(ctx context.Context) Phase {
	switch a.phase {
	case Parameters:
		if err := a.cfg.validate(); err != nil {
			return a.fail(err, Final)
		}
		return InitTrans
	case InitTrans:
		a.ledger = NewLedger()
		a.series = NewThroughputSeries(a.cfg.MaxTestLength, a.cfg.Resolution, a.cfg.Warmup)
		a.histograms = make(map[string]*Histogram, len(a.cfg.Transactions))
		for _, t := range a.cfg.Transactions {
			a.histograms[t] = &Histogram{Name: t}
		}
		return InitComm
	case InitComm:
		inbox, main, err := a.open(ctx)
		if err != nil {
			return a.fail(err, Final)
		}
		a.inbox, a.main = inbox, main
		if err := a.sink.Ping(ctx); err != nil {
			return a.fail(errors.Wrap(err, "result sink unreachable"), Final)
		}
		var ready interface{}
		if l, ok := a.inbox.(interface{ Addr() string }); ok {
			ready = protocol.Ready{Address: l.Addr()}
		}
		if err := a.main.Send(protocol.Ok, ready); err != nil {
			return a.fail(err, Final)
		}
		return Messages
	case Messages:
		return a.messages(ctx)
	case Output:
		if err := a.output(ctx); err != nil {
			return a.fail(err, EndComm)
		}
		return EndComm
	case EndComm:
		if err := a.main.Send(protocol.Completed, protocol.Scalar{Value: a.average}); err != nil {
			return a.fail(err, Final)
		}
		total := a.errors + a.clientErrors
		if err := a.main.Send(protocol.Logout, protocol.Scalar{Value: float64(total)}); err != nil {
			return a.fail(err, Final)
		}
		fields := log.Fields{"average_mqth": a.average, "errors": total}
		if a.started {
			fields["elapsed"] = a.clock.Since(a.startedAt).String()
		}
		a.log.WithFields(fields).Info("statistics complete")
		return Final
	}
	return Final
}

// messages drains up to a batch of messages per iteration and sleeps when
// nothing is pending.
func (a *Aggregator) messages(ctx context.Context) Phase {
	for {
		n := 0
		for ; n < a.cfg.Batch; n++ {
			m, ok, err := a.inbox.TryReceive()
			if err != nil {
				var me *protocol.MalformedError
				if errors.As(err, &me) {
					a.log.WithError(err).Warn("discarding message")
					continue
				}
				return a.fail(err, EndComm)
			}
			if !ok {
				break
			}
			if next, done := a.handle(m); done {
				return next
			}
		}
		if err := ctx.Err(); err != nil {
			return a.fail(err, EndComm)
		}
		if n == 0 {
			a.clock.Sleep(a.cfg.Idle)
		}
	}
}

// handle dispatches one message. done is true when the message ends the
// Messages phase.
func (a *Aggregator) handle(m protocol.Message) (Phase, bool) {
	if m.Type == protocol.Interrupt && m.Sender == protocol.MainID {
		a.log.Warn("run interrupted by main")
		a.errors++
		return EndComm, true
	}
	if !m.Sender.IsClient() {
		metrics.ProtocolErrors.WithLabelValues("statistics", "unexpected-sender").Inc()
		a.log.Errorf("ignoring %s: not a client", m)
		return Messages, false
	}
	var err error
	switch m.Type {
	case protocol.Register:
		err = a.register(m)
	case protocol.Mqth:
		err = a.mqth(m)
	case protocol.RespTime:
		var fatal bool
		fatal, err = a.respTime(m)
		if fatal {
			return a.fail(err, EndComm), true
		}
	case protocol.Logout:
		return a.logout(m)
	default:
		metrics.ProtocolErrors.WithLabelValues("statistics", "unexpected-type").Inc()
		err = errors.Errorf("unexpected %s", m)
	}
	if err != nil {
		a.log.WithError(err).Error("bad client message")
	}
	return Messages, false
}

func (a *Aggregator) register(m protocol.Message) error {
	var r protocol.Registration
	if err := m.Decode(&r); err != nil {
		return err
	}
	if err := a.ledger.Register(m.Sender); err != nil {
		return err
	}
	if !a.started {
		a.started = true
		a.startedAt = a.clock.Now()
		a.warmupActive = a.cfg.Warmup > 0
		a.log.WithField("warmup", a.warmupActive).Info("first client registered, run started")
	}
	if r.TestRunID != a.cfg.TestRunID {
		return errors.Errorf("%s registered for test run %d, expected %d", m.Sender, r.TestRunID, a.cfg.TestRunID)
	}
	return nil
}

func (a *Aggregator) mqth(m protocol.Message) error {
	var s protocol.ThroughputSample
	if err := m.Decode(&s); err != nil {
		return err
	}
	counted, err := a.series.Add(s.Slot, s.Count)
	if err != nil {
		return err
	}
	metrics.AggregatedSamples.WithLabelValues("mqth").Inc()
	if counted && a.warmupActive {
		a.warmupActive = false
		a.log.Infof("warm-up over at slot %d", s.Slot)
	}
	return nil
}

// respTime reports fatal=true for samples of an unknown transaction type.
func (a *Aggregator) respTime(m protocol.Message) (bool, error) {
	var s protocol.LatencySample
	if err := m.Decode(&s); err != nil {
		return false, err
	}
	h, ok := a.histograms[s.Transaction]
	if !ok {
		return true, errors.Errorf("%s reported unknown transaction type %q", m.Sender, s.Transaction)
	}
	metrics.AggregatedSamples.WithLabelValues("resptime").Inc()
	return false, h.Add(s.Bucket, s.UpperBound, s.Count)
}

func (a *Aggregator) logout(m protocol.Message) (Phase, bool) {
	var s protocol.Scalar
	if err := m.Decode(&s); err != nil {
		a.log.WithError(err).Error("bad logout")
		return Messages, false
	}
	if n := int(s.Value); n > 0 {
		a.log.Errorf("%s reported %d errors", m.Sender, n)
		a.clientErrors += n
	}
	complete, err := a.ledger.Logout(m.Sender)
	if err != nil {
		a.log.WithError(err).Error("bad logout")
		return Messages, false
	}
	if !complete {
		return Messages, false
	}
	if a.clientErrors > 0 {
		a.log.Warn("clients reported errors, results are not stored")
		return EndComm, true
	}
	return Output, true
}

func (a *Aggregator) output(ctx context.Context) error {
	now := a.clock.Now()
	var rows []sink.Row
	for _, t := range a.cfg.Transactions {
		h := a.histograms[t]
		for b := 0; b < NumBuckets; b++ {
			if c := h.Count(b); c > 0 {
				rows = append(rows, sink.Row{
					Kind: sink.HistogramRow, TestRunID: a.cfg.TestRunID, Time: now,
					Transaction: t, Bucket: b, BoundMicros: BucketBounds[b].Microseconds(), Hits: c,
				})
			}
		}
		if p, ok := h.Percentile(a.cfg.Percentile); ok {
			rows = append(rows, sink.Row{
				Kind: sink.PercentileRow, TestRunID: a.cfg.TestRunID, Time: now,
				Transaction: t, Percentile: a.cfg.Percentile * 100, ResponseTime: float64(p) / float64(time.Microsecond),
			})
		}
	}
	for _, s := range a.series.NonEmpty() {
		rows = append(rows, sink.Row{
			Kind: sink.ThroughputRow, TestRunID: a.cfg.TestRunID, Time: now,
			Slot: s.Slot, Count: s.Count,
		})
	}
	a.average = a.series.Average()
	rows = append(rows, sink.Row{Kind: sink.SummaryRow, TestRunID: a.cfg.TestRunID, Time: now, AverageMQTh: a.average})
	return a.sink.Write(ctx, rows)
}
