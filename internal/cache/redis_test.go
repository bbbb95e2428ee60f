package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	r := NewRedisWithClient(client, "test")
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisSetGet(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestRedisMissIsNilNil(t *testing.T) {
	r, _ := newTestRedis(t)

	got, err := r.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), r.Stats().Misses)
}

func TestRedisExpiry(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisSlidingRenewsOnRead(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SetSliding(ctx, "k", []byte("v"), time.Minute))

	// Read just before expiry; the TTL resets.
	mr.FastForward(50 * time.Second)
	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Another 50s is still within the renewed window.
	mr.FastForward(50 * time.Second)
	got, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, got)

	// With no further reads the entry expires.
	mr.FastForward(2 * time.Minute)
	got, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisNamespacing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	a := NewRedisWithClient(client, "a")
	b := NewRedisWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "b")
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", []byte("va"), time.Minute))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCorruptEntryReadsAsMiss(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test:k", "not-json"))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The corrupt entry was dropped.
	assert.False(t, mr.Exists("test:k"))
}

func TestRedisDelete(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, r.Delete(ctx, "k"))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}
