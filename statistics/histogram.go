package statistics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Response time buckets are logarithmic: BucketsPerDecade per decade over
// Decades decades starting at MinBound. The last bucket also takes every
// response slower than its bound.
const (
	BucketsPerDecade = 7
	Decades          = 5
	MinBound         = 10 * time.Microsecond
	NumBuckets       = BucketsPerDecade*Decades + 1
)

// BucketBounds holds the upper bound of every bucket. Clients and the
// statistics collector must agree on it.
var BucketBounds = bucketBounds()

func bucketBounds() []time.Duration {
	step := math.Pow(10, 1.0/BucketsPerDecade)
	bound := float64(MinBound / time.Microsecond)
	out := make([]time.Duration, NumBuckets)
	for i := range out {
		out[i] = time.Duration(math.Floor(bound+0.5)) * time.Microsecond
		bound *= step
	}
	return out
}

// BucketFor returns the bucket a response time of d falls into.
func BucketFor(d time.Duration) int {
	i := sort.Search(NumBuckets, func(i int) bool { return BucketBounds[i] >= d })
	if i == NumBuckets {
		return NumBuckets - 1
	}
	return i
}

// Histogram counts the response times of one transaction type.
type Histogram struct {
	Name   string
	counts [NumBuckets]int64
	total  int64
}

// BoundMismatchError reports a sample whose bucket bound differs from ours.
type BoundMismatchError struct {
	Transaction string
	Bucket      int
	Got, Want   time.Duration
}

func (e *BoundMismatchError) Error() string {
	return fmt.Sprintf("%s bucket %d has bound %v, expected %v", e.Transaction, e.Bucket, e.Got, e.Want)
}

// Add adds count hits to bucket. A bound that does not match BucketBounds is
// reported with a BoundMismatchError after the hits are counted.
func (h *Histogram) Add(bucket int, bound time.Duration, count int64) error {
	if bucket < 0 || bucket >= NumBuckets {
		return errors.Errorf("%s bucket %d out of range", h.Name, bucket)
	}
	if count < 0 {
		return errors.Errorf("%s bucket %d negative count %d", h.Name, bucket, count)
	}
	h.counts[bucket] += count
	h.total += count
	if bound != BucketBounds[bucket] {
		return &BoundMismatchError{Transaction: h.Name, Bucket: bucket, Got: bound, Want: BucketBounds[bucket]}
	}
	return nil
}

// Total returns the number of hits in all buckets.
func (h *Histogram) Total() int64 {
	return h.total
}

// Count returns the hits of one bucket.
func (h *Histogram) Count(bucket int) int64 {
	return h.counts[bucket]
}

// Percentile returns the response time below which the fraction p of all
// hits fall. It walks the buckets accumulating hits until the running total
// reaches p of the total, then interpolates linearly across the range of the
// straddling bucket, from the bound of the bucket below it (0 for the first
// bucket) to its own bound. When every hit is in one bucket its bound is
// returned as is. ok is false for an empty histogram.
func (h *Histogram) Percentile(p float64) (d time.Duration, ok bool) {
	if h.total == 0 {
		return 0, false
	}
	target := p * float64(h.total)
	var below int64
	last := 0
	for i, c := range h.counts {
		if c == 0 {
			continue
		}
		last = i
		if float64(below+c) < target {
			below += c
			continue
		}
		if c == h.total {
			return BucketBounds[i], true
		}
		var lo float64
		if i > 0 {
			lo = float64(BucketBounds[i-1])
		}
		hi := float64(BucketBounds[i])
		frac := (target - float64(below)) / float64(c)
		return time.Duration(lo + (hi-lo)*frac), true
	}
	return BucketBounds[last], true
}
