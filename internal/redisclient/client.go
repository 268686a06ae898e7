package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const (
	jobStateKey = "commerce-etl:jobs"
	lockPrefix  = "commerce-etl:lock:"
)

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SaveJobState stores the encoded state of one scheduled job.
func (c *Client) SaveJobState(ctx context.Context, jobID string, state []byte) error {
	if err := c.rdb.HSet(ctx, jobStateKey, jobID, state).Err(); err != nil {
		return fmt.Errorf("failed to save job state %s: %w", jobID, err)
	}
	return nil
}

// LoadJobStates returns every persisted job state keyed by job id.
func (c *Client) LoadJobStates(ctx context.Context) (map[string][]byte, error) {
	result, err := c.rdb.HGetAll(ctx, jobStateKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job states: %w", err)
	}
	states := make(map[string][]byte, len(result))
	for id, v := range result {
		states[id] = []byte(v)
	}
	return states, nil
}

func (c *Client) DeleteJobState(ctx context.Context, jobID string) error {
	if err := c.rdb.HDel(ctx, jobStateKey, jobID).Err(); err != nil {
		return fmt.Errorf("failed to delete job state %s: %w", jobID, err)
	}
	return nil
}

// AcquireLock acquires a distributed lock held by owner until ttl expires
func (c *Client) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockPrefix+lockKey, owner, ttl).Result()
}

// ReleaseLock releases a distributed lock if owner still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lockPrefix + lockKey}, owner).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
