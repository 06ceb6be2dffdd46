package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRedisStore(rdb, "test:"), mr
}

func TestRedisStore(t *testing.T) {
	testPositionStore(t, func(t *testing.T) PositionStore {
		s, _ := newMiniredisStore(t)
		return s
	})
}

func TestRedisStore_Layout(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateMetrics(ctx, usdcAv, 1234.5, 4.25, t0))

	hk := "test:position:0xA11CE:aavev3:usdc"
	assert.True(t, mr.Exists(hk))
	assert.Equal(t, "1234.5", mr.HGet(hk, "value_usd"))
	assert.Equal(t, "2025-03-01T12:00:00Z", mr.HGet(hk, "first_seen_at"))

	members, err := mr.Members("test:owner:0xA11CE")
	require.NoError(t, err)
	assert.Equal(t, []string{hk}, members)
}

func TestRedisStore_SkipsDanglingIndexEntries(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateMetrics(ctx, usdcAv, 1, 1, t0))
	_, err := mr.SAdd("test:owner:0xA11CE", "test:position:0xA11CE:gone:usdc")
	require.NoError(t, err)

	list, err := s.ListByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
