// rows.go
// Result rows, one list per test run and row kind

package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/sink"
)

const (
	rowsPrefix = "tatp:rows:"
)

func rowsKey(testRunID int64, kind sink.Kind) string {
	return fmt.Sprintf("%s%d:%s", rowsPrefix, testRunID, kind)
}

// Write appends every row to the list of its test run and kind.
func (c *Client) Write(ctx context.Context, rows []sink.Row) error {
	pipe := c.rdb.TxPipeline()
	keys := make(map[string]bool)
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		key := rowsKey(r.TestRunID, r.Kind)
		pipe.RPush(ctx, key, data)
		keys[key] = true
	}
	for key := range keys {
		pipe.Expire(ctx, key, c.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for _, r := range rows {
		metrics.SinkRows.WithLabelValues("redis", string(r.Kind)).Inc()
	}
	return nil
}

// Rows returns the rows of one kind stored for a test run.
func (c *Client) Rows(ctx context.Context, testRunID int64, kind sink.Kind) ([]sink.Row, error) {
	data, err := c.rdb.LRange(ctx, rowsKey(testRunID, kind), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	rows := make([]sink.Row, 0, len(data))
	for _, d := range data {
		var r sink.Row
		if err := json.Unmarshal([]byte(d), &r); err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}
