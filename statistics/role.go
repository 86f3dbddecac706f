package statistics

import (
	"context"
	"time"

	"github.com/m-lab/go/warnonerror"
	"k8s.io/utils/clock"

	"github.com/m-lab/tatp-orchestrator/endpoint"
	"github.com/m-lab/tatp-orchestrator/launcher"
	"github.com/m-lab/tatp-orchestrator/plan"
	"github.com/m-lab/tatp-orchestrator/protocol"
	"github.com/m-lab/tatp-orchestrator/sink"
)

// Dial settings of the connection back to main.
const (
	dialAttempts = 20
	dialDelay    = 250 * time.Millisecond
)

// RunRole runs the collector described by p the way a spawned statistics
// process does: it listens on p.ListenAddress, reports to the controller at
// p.ControlAddress and writes to s. Population runs never store results.
func RunRole(ctx context.Context, p launcher.Params, s sink.Sink, c clock.Clock) error {
	if plan.Command(p.Command).IsPopulate() {
		s = sink.Discard{}
	}
	var (
		ep   *endpoint.Endpoint
		main *endpoint.Peer
	)
	defer func() {
		if main != nil {
			warnonerror.Close(main, "could not close main connection")
		}
		if ep != nil {
			warnonerror.Close(ep, "could not close statistics endpoint")
		}
	}()
	open := func(ctx context.Context) (Inbox, Sender, error) {
		listen := p.ListenAddress
		if listen == "" {
			listen = "127.0.0.1:0"
		}
		var err error
		ep, err = endpoint.Listen("statistics", listen)
		if err != nil {
			return nil, nil, err
		}
		main, err = endpoint.DialRetry(ctx, "statistics", protocol.StatisticsID, p.ControlID, p.ControlAddress, dialAttempts, dialDelay)
		if err != nil {
			return nil, nil, err
		}
		return ep, main, nil
	}
	a := New(Config{
		TestRunID:    p.TestRunID,
		Warmup:       p.Warmup,
		Resolution:   p.ThroughputResolution,
		Transactions: p.Transactions,
	}, c, open, s)
	return a.Run(ctx)
}
