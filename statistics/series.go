package statistics

import (
	"time"

	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/protocol"
)

// MaxTestLength is the longest run a throughput series has room for.
const MaxTestLength = 24 * time.Hour

// ThroughputSeries holds the transaction count of every time slot of a run.
// Slots before the end of the warm-up are never counted, but the last used
// slot is tracked regardless.
type ThroughputSeries struct {
	resolution time.Duration
	warmup     time.Duration
	slots      []int64
	lastUsed   int
}

// NewThroughputSeries sizes a series for a run of at most maxLength sampled
// every resolution seconds.
func NewThroughputSeries(maxLength time.Duration, resolution int, warmup time.Duration) *ThroughputSeries {
	r := time.Duration(resolution) * time.Second
	return &ThroughputSeries{
		resolution: r,
		warmup:     warmup,
		slots:      make([]int64, int(maxLength/r)+1),
		lastUsed:   -1,
	}
}

// Len returns the number of slots.
func (s *ThroughputSeries) Len() int {
	return len(s.slots)
}

// Add adds count to slot. It reports whether the count was recorded, that is
// whether the slot starts at or after the end of the warm-up.
func (s *ThroughputSeries) Add(slot int, count int64) (bool, error) {
	if slot < 0 || slot >= len(s.slots) {
		return false, errors.Errorf("time slot %d out of range [0, %d)", slot, len(s.slots))
	}
	if slot > s.lastUsed {
		s.lastUsed = slot
	}
	if time.Duration(slot)*s.resolution < s.warmup {
		return false, nil
	}
	s.slots[slot] += count
	return true, nil
}

// LastUsed returns the highest slot seen, or -1.
func (s *ThroughputSeries) LastUsed() int {
	return s.lastUsed
}

// WarmupSlot returns the first slot that starts at or after the end of the
// warm-up.
func (s *ThroughputSeries) WarmupSlot() int {
	return int((s.warmup + s.resolution - 1) / s.resolution)
}

// Average returns the mean count of the slots from the end of the warm-up to
// the last used slot.
func (s *ThroughputSeries) Average() float64 {
	first := s.WarmupSlot()
	n := s.lastUsed - first + 1
	if n <= 0 {
		return 0
	}
	var sum int64
	for _, c := range s.slots[first : s.lastUsed+1] {
		sum += c
	}
	return float64(sum) / float64(n)
}

// SlotCount is a non-empty slot.
type SlotCount struct {
	Slot  int
	Count int64
}

// NonEmpty returns every slot holding a count, in order.
func (s *ThroughputSeries) NonEmpty() []SlotCount {
	var out []SlotCount
	for i := 0; i <= s.lastUsed; i++ {
		if s.slots[i] != 0 {
			out = append(out, SlotCount{Slot: i, Count: s.slots[i]})
		}
	}
	return out
}

// Ledger tracks the clients that registered and have not logged out yet.
type Ledger struct {
	active map[protocol.NodeID]struct{}
	seen   bool
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{active: make(map[protocol.NodeID]struct{})}
}

// Register adds id.
func (l *Ledger) Register(id protocol.NodeID) error {
	if _, ok := l.active[id]; ok {
		return errors.Errorf("%s registered twice", id)
	}
	l.active[id] = struct{}{}
	l.seen = true
	return nil
}

// Logout removes id and reports whether the ledger just became empty after
// having held at least one client.
func (l *Ledger) Logout(id protocol.NodeID) (bool, error) {
	if _, ok := l.active[id]; !ok {
		return false, errors.Errorf("%s logged out without registering", id)
	}
	delete(l.active, id)
	return l.Complete(), nil
}

// Complete reports whether every registered client logged out.
func (l *Ledger) Complete() bool {
	return l.seen && len(l.active) == 0
}

// Len returns the number of active clients.
func (l *Ledger) Len() int {
	return len(l.active)
}
