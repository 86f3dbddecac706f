// redis.go
// client wrapper and connection

package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetention is how long result rows are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Client wraps the Redis client. It implements sink.Sink and
// sink.IDAllocator.
type Client struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewClient creates a new Redis client connected to the given address.
func NewClient(addr string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, // e.g., "localhost:6379"
	})
	return &Client{rdb: rdb, retention: DefaultRetention}
}

// Ping checks that Redis answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
