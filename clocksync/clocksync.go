// Package clocksync bounds the clock error between main and every client
// before a timed run starts.
//
// Main sends its elapsed test time to each peer in turn and waits for the
// peer to answer with a time value. Local clients echo the value back;
// remotes relay the same exchange to their own clients first and answer with
// a value corrected for the time they spent doing so. Half of what remains of
// the round trip is the skew, and a skew above the threshold aborts the run.
package clocksync

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/m-lab/tatp-orchestrator/await"
	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/protocol"
)

// DefaultThreshold is the largest tolerated skew unless configured otherwise.
const DefaultThreshold = 10 * time.Millisecond

// Peer is a node Time messages can be sent to.
type Peer interface {
	ID() protocol.NodeID
	Send(t protocol.MessageType, payload interface{}) error
}

// Skew estimates the one-way offset of a peer from the value it reported and
// the local elapsed time at which the report arrived.
func Skew(reported, received time.Duration) time.Duration {
	return (received - reported) / 2
}

// Sample is one round trip: the value sent and the value the peer reported.
type Sample struct {
	Sent     time.Duration
	Reported time.Duration
}

// Timer measures elapsed time from the moment it is created.
type Timer struct {
	clock clock.PassiveClock
	start time.Time
}

// NewTimer starts a timer on c.
func NewTimer(c clock.PassiveClock) *Timer {
	return &Timer{clock: c, start: c.Now()}
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return t.clock.Since(t.start)
}

// SkewError reports a peer whose skew exceeded the threshold.
type SkewError struct {
	Peer      protocol.NodeID
	Skew      time.Duration
	Threshold time.Duration
}

func (e *SkewError) Error() string {
	return fmt.Sprintf("clock skew of %s is %v, above the threshold of %v; widen the threshold or check the network latency",
		e.Peer, e.Skew, e.Threshold)
}

// TimeoutError reports a peer that did not answer a Time message in time.
type TimeoutError struct {
	Peer protocol.NodeID
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("synchronization with %s failed: %v", e.Peer, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// roundTrip sends value to p and waits for its Time answer. It returns the
// sample and the timer reading when the answer arrived.
func roundTrip(ctx context.Context, src await.Source, wait await.Config, timer *Timer, p Peer, value time.Duration) (Sample, time.Duration, error) {
	s := Sample{Sent: value}
	if err := p.Send(protocol.Time, protocol.TimeValue{Elapsed: value}); err != nil {
		return s, 0, err
	}
	m, err := await.One(ctx, src, wait, p.ID(), protocol.Time)
	if err != nil {
		var te *await.TimeoutError
		if errors.As(err, &te) {
			return s, 0, &TimeoutError{Peer: p.ID(), Err: err}
		}
		return s, 0, err
	}
	received := timer.Elapsed()
	var tv protocol.TimeValue
	if err := m.Decode(&tv); err != nil {
		return s, 0, err
	}
	s.Reported = tv.Elapsed
	return s, received, nil
}

// Synchronizer runs the main side of the protocol.
type Synchronizer struct {
	Inbox     await.Source
	Timer     *Timer
	Threshold time.Duration
	Wait      await.Config
}

// Report summarizes a successful synchronization.
type Report struct {
	Skews          map[protocol.NodeID]time.Duration
	WorstLocal     time.Duration
	WorstLocalPeer protocol.NodeID
}

// Sync synchronizes every remote and then every local client, strictly one
// peer at a time. The first failure ends the synchronization.
func (s *Synchronizer) Sync(ctx context.Context, remotes, clients []Peer) (Report, error) {
	r := Report{Skews: make(map[protocol.NodeID]time.Duration)}
	for _, p := range remotes {
		skew, err := s.measure(ctx, p, "remote")
		if err != nil {
			return r, err
		}
		r.Skews[p.ID()] = skew
	}
	for _, p := range clients {
		skew, err := s.measure(ctx, p, "client")
		if err != nil {
			return r, err
		}
		r.Skews[p.ID()] = skew
		if skew >= r.WorstLocal {
			r.WorstLocal, r.WorstLocalPeer = skew, p.ID()
		}
	}
	if len(clients) > 0 {
		logging.Logger.Debugf("worst local client skew %v (%s)", r.WorstLocal, r.WorstLocalPeer)
	}
	return r, nil
}

func (s *Synchronizer) measure(ctx context.Context, p Peer, kind string) (time.Duration, error) {
	sample, received, err := roundTrip(ctx, s.Inbox, s.Wait, s.Timer, p, s.Timer.Elapsed())
	if err != nil {
		return 0, err
	}
	skew := Skew(sample.Reported, received)
	metrics.SyncSkew.WithLabelValues(kind).Observe(skew.Seconds())
	if skew > s.Threshold {
		return skew, &SkewError{Peer: p.ID(), Skew: skew, Threshold: s.Threshold}
	}
	return skew, nil
}

// Relay answers a Time value received from main on behalf of a remote. It
// runs the same exchange against each of the remote's clients, tracks the
// longest client skew and returns the value the remote should send back to
// main: mainValue plus the time spent here minus the longest client skew.
func Relay(ctx context.Context, src await.Source, wait await.Config, c clock.PassiveClock, mainValue time.Duration, clients []Peer) (time.Duration, time.Duration, error) {
	timer := NewTimer(c)
	var longest time.Duration
	for _, p := range clients {
		sample, received, err := roundTrip(ctx, src, wait, timer, p, mainValue+timer.Elapsed())
		if err != nil {
			return 0, 0, err
		}
		skew := Skew(sample.Reported, mainValue+received)
		if skew > longest {
			longest = skew
		}
	}
	return mainValue + timer.Elapsed() - longest, longest, nil
}

// Echo answers a Time message by sending its value back unchanged and
// returns that value.
func Echo(to Peer, m protocol.Message) (time.Duration, error) {
	var tv protocol.TimeValue
	if err := m.Decode(&tv); err != nil {
		return 0, err
	}
	return tv.Elapsed, to.Send(protocol.Time, tv)
}
