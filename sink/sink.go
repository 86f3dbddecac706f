// Package sink defines where the results of a run go. Implementations live
// in the subpackages.
package sink

import (
	"context"
	"sync"
	"time"
)

// Kind identifies the table a Row belongs to.
type Kind string

// The row kinds written by the statistics collector.
const (
	HistogramRow  Kind = "response_histogram"
	PercentileRow Kind = "response_percentile"
	ThroughputRow Kind = "throughput"
	SummaryRow    Kind = "summary"
)

// Row is one flat result row. Only the fields relevant to Kind are set.
type Row struct {
	Kind      Kind      `json:"kind"`
	TestRunID int64     `json:"test_run_id"`
	Time      time.Time `json:"time"`

	Transaction string `json:"transaction,omitempty"`
	Bucket      int    `json:"bucket"`
	// BoundMicros is the upper bound of the histogram bucket.
	BoundMicros int64 `json:"bound_us"`
	Hits        int64 `json:"hits"`

	Percentile   float64 `json:"percentile"`
	ResponseTime float64 `json:"response_time_us"`

	Slot  int   `json:"slot"`
	Count int64 `json:"count"`

	AverageMQTh float64 `json:"average_mqth"`
}

// Sink stores result rows.
type Sink interface {
	// Ping checks that the sink is reachable.
	Ping(ctx context.Context) error
	Write(ctx context.Context, rows []Row) error
	Close() error
}

// IDAllocator hands out session and test run ids. Ids are obtained by
// reading the current maximum and incrementing it.
type IDAllocator interface {
	NextSessionID(ctx context.Context) (int64, error)
	NextTestRunID(ctx context.Context) (int64, error)
}

// Memory keeps rows in memory. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	rows      []Row
	sessionID int64
	testRunID int64
	// Err, when set, is returned by Ping and Write.
	Err error
}

// Ping implements Sink.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

// Write implements Sink.
func (m *Memory) Write(ctx context.Context, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.rows = append(m.rows, rows...)
	return nil
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }

// Rows returns a copy of everything written so far.
func (m *Memory) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Row(nil), m.rows...)
}

// NextSessionID implements IDAllocator.
func (m *Memory) NextSessionID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID++
	return m.sessionID, nil
}

// NextTestRunID implements IDAllocator.
func (m *Memory) NextTestRunID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testRunID++
	return m.testRunID, nil
}

// Discard drops every row. Population runs use it.
type Discard struct{}

// Ping implements Sink.
func (Discard) Ping(ctx context.Context) error { return nil }

// Write implements Sink.
func (Discard) Write(ctx context.Context, rows []Row) error { return nil }

// Close implements Sink.
func (Discard) Close() error { return nil }
