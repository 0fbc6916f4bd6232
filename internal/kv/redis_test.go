package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreGetSetDel(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedis(t)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, store.Del(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreHashAndIncr(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedis(t)

	require.NoError(t, store.HSet(ctx, "h", "f", "x"))
	v, ok, err := store.HGet(ctx, "h", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", v)

	all, err := store.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f": "x"}, all)

	n, err := store.Incr(ctx, "ctr")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = store.Incr(ctx, "ctr")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestRedisStoreHIncr(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedis(t)

	n, err := store.HIncr(ctx, "stats", "success")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = store.HIncr(ctx, "stats", "success")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	v, ok, err := store.HGet(ctx, "stats", "success")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)
}

func TestRedisStoreKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedis(t)

	require.NoError(t, store.Set(ctx, "kairos:space:default:search:a", "1", 0))
	require.NoError(t, store.Set(ctx, "kairos:space:default:search:b", "1", 0))
	require.NoError(t, store.Set(ctx, "kairos:space:default:mem:c", "1", 0))

	keys, err := store.Keys(ctx, "kairos:space:default:search:*")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestRedisStorePubSub(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedis(t)

	ch, cancel, err := store.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, store.Publish(ctx, "events", "hello"))

	select {
	case msg := <-ch:
		require.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}
