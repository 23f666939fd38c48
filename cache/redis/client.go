// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package redis wraps the redis client used for ephemeral gateway state:
// quota caches, stampede locks, idempotency records and rate windows.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
)

var (
	// Error is the redis accelerator error class.
	Error = errs.Class("redis")
	// ErrKeyNotFound is returned when a key is absent or expired.
	ErrKeyNotFound = errs.Class("key not found")
)

// incrWindowScript increments a window counter and sets its expiration on
// the first increment only. The key value and the increment are equal
// exactly once per window, which is when the key was just created.
const incrWindowScript = `local current
current = redis.call("incrby", KEYS[1], ARGV[1])
if tonumber(current) == tonumber(ARGV[1]) then
	redis.call("expire", KEYS[1], ARGV[2])
end
return current
`

// Client is a thin wrapper around go-redis scoped to the primitives the
// gateway needs. All state behind it is disposable.
type Client struct {
	db *redis.Client
}

// NewClientFrom returns a configured Client from a redis URL, verifying a
// successful connection.
func NewClientFrom(ctx context.Context, address string) (*Client, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	db := redis.NewClient(opts)
	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return &Client{db: db}, nil
}

// Get retrieves the value for key. Returns ErrKeyNotFound when the key is
// absent.
func (client *Client) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := client.db.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound.New("%q", key)
		}
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

// Set stores value under key with an expiration. A zero ttl stores the key
// without expiration.
func (client *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := client.db.Set(ctx, key, value, ttl).Err()
	if err != nil {
		return Error.New("set error: %v", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (client *Client) Delete(ctx context.Context, key string) error {
	err := client.db.Del(ctx, key).Err()
	if err != nil {
		return Error.New("delete error: %v", err)
	}
	return nil
}

// Lock attempts to acquire a short-lived mutual exclusion key. It returns
// true when this caller acquired the lock. The lock self-expires after ttl,
// so a crashed holder cannot wedge other processes.
func (client *Client) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := client.db.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, Error.New("lock error: %v", err)
	}
	return acquired, nil
}

// Unlock releases a lock acquired with Lock.
func (client *Client) Unlock(ctx context.Context, key string) error {
	return client.Delete(ctx, key)
}

// IncrWindow increments a fixed-window counter by delta and returns the new
// count. The window expiration is set when the counter is created and left
// alone afterwards, so the counter resets once per window.
func (client *Client) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	result, err := client.db.Eval(ctx, incrWindowScript, []string{key}, delta, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, Error.New("incr window error: %v", err)
	}
	return result, nil
}

// Ping verifies the connection is alive.
func (client *Client) Ping(ctx context.Context) error {
	return Error.Wrap(client.db.Ping(ctx).Err())
}

// Close closes the underlying connection.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}
