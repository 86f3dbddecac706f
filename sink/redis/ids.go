// ids.go
// Session and test run id allocation

package redis

import (
	"context"
)

const (
	sessionKey = "tatp:ids:session"
	testRunKey = "tatp:ids:test_run"
)

// NextSessionID increments and returns the highest session id.
func (c *Client) NextSessionID(ctx context.Context) (int64, error) {
	return c.rdb.Incr(ctx, sessionKey).Result()
}

// NextTestRunID increments and returns the highest test run id.
func (c *Client) NextTestRunID(ctx context.Context) (int64, error) {
	return c.rdb.Incr(ctx, testRunKey).Result()
}
