package client

import (
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/m-lab/tatp-orchestrator/clocksync"
	"github.com/m-lab/tatp-orchestrator/protocol"
	"github.com/m-lab/tatp-orchestrator/statistics"
)

// Recorder accumulates the throughput and response times of one client.
// Time is test time: the value main sent during synchronization plus the
// time elapsed locally since it arrived.
type Recorder struct {
	clock      clock.PassiveClock
	resolution time.Duration

	timer  *clocksync.Timer
	offset time.Duration
	origin time.Duration

	slots     map[int]int64
	latencies map[string]*[statistics.NumBuckets]int64
	errors    int
}

// NewRecorder returns a recorder using time slots of resolution seconds.
func NewRecorder(c clock.PassiveClock, resolution int) *Recorder {
	if resolution < 1 {
		resolution = 1
	}
	return &Recorder{
		clock:      c,
		resolution: time.Duration(resolution) * time.Second,
		slots:      make(map[int]int64),
		latencies:  make(map[string]*[statistics.NumBuckets]int64),
	}
}

// Synchronize starts the test clock at offset.
func (r *Recorder) Synchronize(offset time.Duration) {
	r.timer = clocksync.NewTimer(r.clock)
	r.offset = offset
}

// Now returns the current test time.
func (r *Recorder) Now() time.Duration {
	if r.timer == nil {
		return 0
	}
	return r.offset + r.timer.Elapsed()
}

// Start marks the test time the run starts at. Slot zero begins there.
func (r *Recorder) Start(origin time.Duration) {
	r.origin = origin
}

// Elapsed returns the run time so far.
func (r *Recorder) Elapsed() time.Duration {
	return r.Now() - r.origin
}

// Slot returns the current time slot.
func (r *Recorder) Slot() int {
	e := r.Elapsed()
	if e < 0 {
		return 0
	}
	return int(e / r.resolution)
}

// Record counts one transaction completed now with the given response time.
func (r *Recorder) Record(transaction string, latency time.Duration) {
	r.Add(r.Slot(), 1)
	r.Observe(transaction, latency, 1)
}

// Add adds count transactions to slot.
func (r *Recorder) Add(slot int, count int64) {
	r.slots[slot] += count
}

// Observe adds count responses of the given latency to the histogram of
// transaction.
func (r *Recorder) Observe(transaction string, latency time.Duration, count int64) {
	h, ok := r.latencies[transaction]
	if !ok {
		h = new([statistics.NumBuckets]int64)
		r.latencies[transaction] = h
	}
	h[statistics.BucketFor(latency)] += count
}

// Fail counts a failed transaction.
func (r *Recorder) Fail() {
	r.errors++
}

// Errors returns the number of failed transactions.
func (r *Recorder) Errors() int {
	return r.errors
}

// Throughput returns the non-empty slots in order.
func (r *Recorder) Throughput() []protocol.ThroughputSample {
	out := make([]protocol.ThroughputSample, 0, len(r.slots))
	for slot, count := range r.slots {
		if count > 0 {
			out = append(out, protocol.ThroughputSample{Slot: slot, Count: count})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Latencies returns the non-empty histogram buckets, grouped by transaction
// in name order.
func (r *Recorder) Latencies() []protocol.LatencySample {
	names := make([]string, 0, len(r.latencies))
	for name := range r.latencies {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []protocol.LatencySample
	for _, name := range names {
		for b, count := range r.latencies[name] {
			if count == 0 {
				continue
			}
			out = append(out, protocol.LatencySample{
				Transaction: name,
				Bucket:      b,
				UpperBound:  statistics.BucketBounds[b],
				Count:       count,
			})
		}
	}
	return out
}
