package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 6, time.Minute))
	var got int
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, 6, got)

	now = now.Add(time.Minute)
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	var got uint8
	assert.ErrorIs(t, c.Get(ctx, "mint:decimals:x", &got), ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "mint:decimals:x", uint8(6), time.Minute))
	require.NoError(t, c.Get(ctx, "mint:decimals:x", &got))
	assert.Equal(t, uint8(6), got)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, c.Get(ctx, "mint:decimals:x", &got), ErrCacheMiss)
}

func TestNewRedisCacheFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = NewRedisCache("not a url")
	assert.Error(t, err)
}

func TestMintMetadataCachesDecimals(t *testing.T) {
	net := newFakeNetwork()
	net.decimals = 6
	m := NewMintMetadata(net, NewMemoryCache(), time.Hour)
	mint := newKey(t).PublicKey()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := m.Decimals(ctx, mint)
		require.NoError(t, err)
		assert.Equal(t, uint8(6), d)
	}
	assert.Equal(t, 1, net.decimalCalls)

	d, err := m.Decimals(ctx, NativeMint)
	require.NoError(t, err)
	assert.Equal(t, uint8(nativeDecimals), d)
	assert.Equal(t, 1, net.decimalCalls)
}
