package client

import (
	"context"
	"math/rand"
	"time"

	"github.com/m-lab/go/memoryless"

	"github.com/m-lab/tatp-orchestrator/launcher"
	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/plan"
)

// Workload executes the transactions of one client between StartTest and
// the end of the run.
type Workload interface {
	Run(ctx context.Context, p launcher.Params, r *Recorder) error
}

// Default pacing of the synthetic workload.
const (
	DefaultInterval = time.Millisecond
	DefaultLatency  = 200 * time.Microsecond
)

// Synthetic stands in for a transaction engine. Transactions arrive as a
// Poisson process and take an exponentially distributed response time.
type Synthetic struct {
	// Interval is the expected time between two transactions.
	Interval time.Duration
	// Latency is the mean response time.
	Latency time.Duration
}

// Run executes transactions until warm-up plus duration have elapsed since
// the start of the run, or ctx ends.
func (s *Synthetic) Run(ctx context.Context, p launcher.Params, r *Recorder) error {
	log := logging.ForNode("client", int32(p.ID))
	if plan.Command(p.Command).IsPopulate() {
		log.Infof("populating subscribers [%d, %d] of %d", p.MinSubscriberID, p.MaxSubscriberID, p.Subscribers)
		return nil
	}
	if len(p.Transactions) == 0 {
		return nil
	}
	interval, latency := s.Interval, s.Latency
	if interval <= 0 {
		interval = DefaultInterval
	}
	if latency <= 0 {
		latency = DefaultLatency
	}
	remaining := p.Warmup + p.Duration - r.Elapsed()
	if remaining <= 0 {
		return nil
	}
	runctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	// Implementation note: the ticker closes its output channel once runctx
	// expires.
	ticker, err := memoryless.NewTicker(runctx, memoryless.Config{
		Min:      interval / 10,
		Expected: interval,
		Max:      interval * 10,
	})
	if err != nil {
		return err
	}
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(int64(p.ID)))
	for range ticker.C {
		t := pick(rng, p.Transactions, p.Probabilities)
		r.Record(t, time.Duration(rng.ExpFloat64()*float64(latency)))
	}
	log.Debugf("workload done at slot %d", r.Slot())
	return ctx.Err()
}

// pick draws a transaction name according to its percentage. Without a
// usable set of percentages every name is equally likely.
func pick(rng *rand.Rand, names []string, probs []int) string {
	total := 0
	if len(probs) == len(names) {
		for _, v := range probs {
			total += v
		}
	}
	if total <= 0 {
		return names[rng.Intn(len(names))]
	}
	n := rng.Intn(total)
	for i, v := range probs {
		if n < v {
			return names[i]
		}
		n -= v
	}
	return names[len(names)-1]
}
