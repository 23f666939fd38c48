// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package redis_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rejourney/ingest/cache/redis"
	"github.com/rejourney/ingest/cache/redis/redistest"
	"github.com/rejourney/ingest/internal/testcontext"
)

func TestClientBasics(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr, _ := redistest.Start(t)
	client, err := redis.NewClientFrom(ctx, addr)
	require.NoError(t, err)
	defer ctx.Check(client.Close)

	_, err = client.Get(ctx, "missing")
	require.True(t, redis.ErrKeyNotFound.Has(err))

	require.NoError(t, client.Set(ctx, "k", []byte("v"), time.Minute))
	value, err := client.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	require.NoError(t, client.Delete(ctx, "k"))
	_, err = client.Get(ctx, "k")
	require.True(t, redis.ErrKeyNotFound.Has(err))
}

func TestClientLock(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr, mini := redistest.Start(t)
	client, err := redis.NewClientFrom(ctx, addr)
	require.NoError(t, err)
	defer ctx.Check(client.Close)

	acquired, err := client.Lock(ctx, "lock", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	// a second holder must not get the same lock
	acquired, err = client.Lock(ctx, "lock", time.Second)
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, client.Unlock(ctx, "lock"))
	acquired, err = client.Lock(ctx, "lock", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	// an expired lock is acquirable again
	mini.FastForward(2 * time.Second)
	acquired, err = client.Lock(ctx, "lock", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestClientIncrWindow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr, mini := redistest.Start(t)
	client, err := redis.NewClientFrom(ctx, addr)
	require.NoError(t, err)
	defer ctx.Check(client.Close)

	for want := int64(1); want <= 3; want++ {
		count, err := client.IncrWindow(ctx, "window", 1, 10*time.Second)
		require.NoError(t, err)
		require.Equal(t, want, count)
	}

	// the expiration set on first increment resets the window
	mini.FastForward(11 * time.Second)
	count, err := client.IncrWindow(ctx, "window", 1, 10*time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
